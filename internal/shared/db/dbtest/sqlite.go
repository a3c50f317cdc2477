// Package dbtest opens in-memory SQLite databases carrying the same tables as
// the Postgres migrations, for store tests.
package dbtest

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// Column types are spelled so the driver scans them back into time.Time.
const schema = `
CREATE TABLE orders (
    order_id         TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    status           TEXT NOT NULL,
    total_amount     REAL NOT NULL DEFAULT 0,
    shipping_address TEXT NOT NULL DEFAULT '',
    user_email       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE order_items (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id   TEXT NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
    product_id TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price      REAL NOT NULL,
    name       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE processed_events (
    consumer     TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    processed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (consumer, event_id)
);

CREATE TABLE outbox (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id              TEXT NOT NULL UNIQUE,
    stream                TEXT NOT NULL,
    aggregate             TEXT NOT NULL DEFAULT '',
    aggregate_id          TEXT NOT NULL DEFAULT '',
    event_type            TEXT NOT NULL,
    payload               BLOB NOT NULL,
    status                TEXT NOT NULL DEFAULT 'pending',
    attempts              INTEGER NOT NULL DEFAULT 0,
    next_retry_at         TIMESTAMP NOT NULL,
    processing_started_at TIMESTAMP,
    last_error            TEXT,
    created_at            TIMESTAMP NOT NULL,
    sent_at               TIMESTAMP
);

CREATE TABLE notifications (
    id         TEXT PRIMARY KEY,
    order_id   TEXT NOT NULL,
    status     TEXT NOT NULL,
    recipient  TEXT NOT NULL,
    subject    TEXT NOT NULL DEFAULT '',
    template   TEXT NOT NULL DEFAULT '',
    state      TEXT NOT NULL DEFAULT 'pending',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    sent_at    TIMESTAMP,
    UNIQUE (order_id, status)
);
`

// OpenSQLite returns a fresh in-memory database closed with the test.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}
