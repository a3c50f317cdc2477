package notify

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relay is a minimal SMTP server that records one session.
type relay struct {
	ln   net.Listener
	auth bool
	// rejectRcpt answers RCPT TO with 550.
	rejectRcpt bool

	mu       sync.Mutex
	commands []string
	data     string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return &relay{ln: ln}
}

func (r *relay) addr() string { return r.ln.Addr().String() }

func (r *relay) serveOne() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	in := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	reply("220 relay.test ESMTP")
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		r.mu.Lock()
		r.commands = append(r.commands, line)
		r.mu.Unlock()

		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch {
		case verb == "EHLO":
			if r.auth {
				reply("250-relay.test")
				reply("250 AUTH PLAIN")
			} else {
				reply("250 relay.test")
			}
		case verb == "AUTH":
			reply("235 2.7.0 Authentication successful")
		case verb == "MAIL":
			reply("250 OK")
		case verb == "RCPT" && r.rejectRcpt:
			reply("550 no such user")
		case verb == "RCPT":
			reply("250 OK")
		case verb == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := in.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			r.mu.Lock()
			r.data = b.String()
			r.mu.Unlock()
			reply("250 queued")
		case verb == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (r *relay) session() ([]string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...), r.data
}

func TestSMTPMailerDeliversPlainTextMessage(t *testing.T) {
	rl := newRelay(t)
	done := make(chan struct{})
	go func() { defer close(done); rl.serveOne() }()

	m := NewSMTPMailer(SMTPConfig{Addr: rl.addr(), From: "orders@example.com"})
	require.NoError(t, m.Send(context.Background(), NewStatusMessage("buyer@example.com", "o-1", "processing")))
	<-done

	cmds, data := rl.session()
	assert.Contains(t, cmds, "MAIL FROM:<orders@example.com>")
	assert.Contains(t, cmds, "RCPT TO:<buyer@example.com>")
	assert.Equal(t, "QUIT", cmds[len(cmds)-1])
	for _, c := range cmds {
		assert.False(t, strings.HasPrefix(c, "AUTH"), "no credentials configured")
	}
	assert.Contains(t, data, "Subject: Order o-1 Status Update\r\n")
	assert.Contains(t, data, "Content-Type: text/plain; charset=UTF-8\r\n")
	assert.True(t, strings.HasSuffix(data, "Status: processing\r\n\r\nThank you for your business!\r\n"))
}

func TestSMTPMailerAuthenticatesWhenConfigured(t *testing.T) {
	rl := newRelay(t)
	rl.auth = true
	done := make(chan struct{})
	go func() { defer close(done); rl.serveOne() }()

	m := NewSMTPMailer(SMTPConfig{Addr: rl.addr(), From: "orders@example.com", Username: "u", Password: "p"})
	require.NoError(t, m.Send(context.Background(), NewStatusMessage("buyer@example.com", "o-1", "failed")))
	<-done

	cmds, _ := rl.session()
	var authed bool
	for _, c := range cmds {
		authed = authed || strings.HasPrefix(c, "AUTH PLAIN")
	}
	assert.True(t, authed)
}

func TestSMTPMailerWrapsRelayErrors(t *testing.T) {
	rl := newRelay(t)
	rl.rejectRcpt = true
	go rl.serveOne()

	m := NewSMTPMailer(SMTPConfig{Addr: rl.addr(), From: "orders@example.com"})
	err := m.Send(context.Background(), NewStatusMessage("ghost@example.com", "o-1", "failed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp send to ghost@example.com")
	assert.Contains(t, err.Error(), "no such user")
}

// silentRelay accepts connections and never greets.
func silentRelay(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestSMTPMailerGivesUpOnSilentRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	m := NewSMTPMailer(SMTPConfig{Addr: silentRelay(t), From: "orders@example.com"})
	start := time.Now()
	err := m.Send(ctx, NewStatusMessage("buyer@example.com", "o-1", "processing"))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSMTPMailerAppliesTimeoutWithoutCallerDeadline(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Addr: silentRelay(t), Timeout: 100 * time.Millisecond})
	start := time.Now()
	err := m.Send(context.Background(), NewStatusMessage("buyer@example.com", "o-1", "processing"))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSMTPMailerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	m := NewSMTPMailer(SMTPConfig{Addr: silentRelay(t)})
	start := time.Now()
	err := m.Send(ctx, NewStatusMessage("buyer@example.com", "o-1", "processing"))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMailersHonourCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewSMTPMailer(SMTPConfig{Addr: "mail.local:25"})
	m.dial = func(context.Context, string, string) (net.Conn, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	}
	assert.ErrorIs(t, m.Send(ctx, NewStatusMessage("a@b.c", "o", "created")), context.Canceled)
}
