// Package requestid carries the correlation id of an HTTP request through
// its context.
package requestid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// Header is the request and response header holding the id.
const Header = "X-Request-Id"

// MaxLen bounds ids accepted from clients.
const MaxLen = 128

type ctxKey struct{}

func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Get returns the id stored in ctx, or "".
func Get(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}

// New returns 32 random hex characters.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(b[:])
}

// Valid reports whether a client supplied id may be echoed and logged as
// is: non-empty, at most MaxLen bytes of letters, digits, '-', '_', '.' or ':'.
func Valid(id string) bool {
	if id == "" || len(id) > MaxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// Resolve keeps a valid client id and replaces anything else with New.
func Resolve(id string) string {
	if Valid(id) {
		return id
	}
	return New()
}
