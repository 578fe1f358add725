package storage

import (
	"fmt"
	"time"

	"github.com/petervdpas/chime/internal/call"
)

// CallEntry is one row of call history.
type CallEntry struct {
	RowID     int64     `json:"row_id"`
	CallID    string    `json:"call_id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	Media     string    `json:"media"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// RecordCall persists one terminal call. Satisfies call.Recorder.
func (d *DB) RecordCall(rec call.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO calls (call_id, caller, callee, media, outcome, reason, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Caller, rec.Callee, string(rec.Media),
		string(rec.Outcome), rec.Reason, rec.CreatedAt.UTC(), rec.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// RecentCalls returns up to limit terminal calls, newest first.
func (d *DB) RecentCalls(limit int) ([]CallEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, call_id, caller, callee, media, outcome, reason, created_at, ended_at
		FROM calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CallEntry
	for rows.Next() {
		var e CallEntry
		if err := rows.Scan(&e.RowID, &e.CallID, &e.Caller, &e.Callee, &e.Media,
			&e.Outcome, &e.Reason, &e.CreatedAt, &e.EndedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CallsWith returns history involving one remote user, newest first.
func (d *DB) CallsWith(peer string, limit int) ([]CallEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, call_id, caller, callee, media, outcome, reason, created_at, ended_at
		FROM calls WHERE caller = ? OR callee = ?
		ORDER BY id DESC LIMIT ?`, peer, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CallEntry
	for rows.Next() {
		var e CallEntry
		if err := rows.Scan(&e.RowID, &e.CallID, &e.Caller, &e.Callee, &e.Media,
			&e.Outcome, &e.Reason, &e.CreatedAt, &e.EndedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
