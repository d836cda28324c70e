// Package ledger keeps an append-only history of what the simulated lamp
// received: live commands and settings writes.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindCommand        Kind = "command"
	KindSettingsStored Kind = "settings_stored"
	KindSessionOpened  Kind = "session_opened"
	KindSessionClosed  Kind = "session_closed"
)

// Entry is a single ledger row.
type Entry struct {
	ID        int64
	Kind      Kind
	SessionID string
	Action    string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Ledger provides append-only logging.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Ledger using the provided database connection.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds an entry. payload is stored verbatim and may be nil.
func (l *Ledger) Append(kind Kind, sessionID, action string, payload []byte) error {
	var payloadStr sql.NullString
	if payload != nil {
		payloadStr = sql.NullString{String: string(payload), Valid: true}
	}

	_, err := l.db.Exec(`
		INSERT INTO command_ledger (kind, session_id, action, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)
	`, string(kind), sessionID, action, l.now().UTC().UnixMilli(), payloadStr)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, kind, session_id, action, timestamp, payload
		FROM command_ledger
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// BySession returns the entries of one live session in arrival order.
func (l *Ledger) BySession(sessionID string) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, kind, session_id, action, timestamp, payload
		FROM command_ledger
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than retention.
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM command_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var sessionID, action, payload sql.NullString
		var ts int64

		if err := rows.Scan(&entry.ID, &entry.Kind, &sessionID, &action, &ts, &payload); err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(ts).UTC()
		entry.SessionID = sessionID.String
		entry.Action = action.String
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
