package storage

import (
	"fmt"
	"time"
)

// MessageRow is one persisted chat message. peer is the remote user the
// conversation is with; sender says which side wrote it.
type MessageRow struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveMessage inserts one chat message. Duplicate ids are ignored, which
// makes redelivered messages harmless.
func (d *DB) SaveMessage(m MessageRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, peer, sender, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Peer, m.Sender, m.Body, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessagesWith returns the conversation with peer, oldest first.
func (d *DB) MessagesWith(peer string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 200
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, peer, sender, body, created_at FROM (
			SELECT id, peer, sender, body, created_at
			FROM messages WHERE peer = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Peer, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
