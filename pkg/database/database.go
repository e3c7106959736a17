/*
Package database keeps an audit journal of session events in SQLite.

The journal records what happened to connections (connects, registrations,
logins, disconnects, protocol failures). It is write-mostly and is never used
to rebuild server state.
*/
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// EventKind names a journal event
type EventKind string

// Event kinds
const (
	EventConnect       EventKind = "connect"
	EventRateLimited   EventKind = "rate_limited"
	EventRegister      EventKind = "register"
	EventLogin         EventKind = "login"
	EventRejected      EventKind = "rejected"
	EventDisconnect    EventKind = "disconnect"
	EventDecodeError   EventKind = "decode_error"
	EventHealthFailure EventKind = "health_failure"
)

// Event is one journal row
type Event struct {
	ID         int64     `json:"id"`
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  int64     `json:"created_at"` // unix milliseconds
}

// DB wraps the SQLite connection and the buffered writer in front of it
type DB struct {
	conn        *sql.DB
	snowflake   *Snowflake
	logger      zerolog.Logger
	WriteBuffer *WriteBuffer
}

// Open opens (creating if needed) the journal at path and migrates it.
// Buffered events are flushed every flushInterval.
func Open(path string, flushInterval time.Duration, logger zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(4)
	}
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := runMigrations(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		snowflake: NewSnowflake(journalEpoch, 0),
		logger:    logger,
	}
	db.WriteBuffer = NewWriteBuffer(db, flushInterval)
	return db, nil
}

// Record queues ev for the next flush and returns its assigned ID
func (db *DB) Record(ev Event) int64 {
	ev.ID = db.snowflake.NextID()
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}
	db.WriteBuffer.Append(ev)
	return ev.ID
}

// Flush writes all buffered events now
func (db *DB) Flush() error {
	return db.WriteBuffer.Flush()
}

// Close flushes pending events and closes the database
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	return db.conn.Close()
}

// insertEvents writes a batch in one transaction
func (db *DB) insertEvents(events []Event) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO session_events (id, kind, session_id, username, remote_addr, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(ev.ID, string(ev.Kind), ev.SessionID, ev.Username, ev.RemoteAddr, ev.Detail, ev.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert event %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to limit events, newest first
func (db *DB) RecentEvents(limit int) ([]Event, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, session_id, username, remote_addr, detail, created_at
		FROM session_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SessionEvents returns every event of one session, oldest first
func (db *DB) SessionEvents(sessionID string) ([]Event, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, session_id, username, remote_addr, detail, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents counts events of one kind
func (db *DB) CountEvents(kind EventKind) (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM session_events WHERE kind = ?", string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.SessionID, &ev.Username, &ev.RemoteAddr, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
