package db

import (
	"fmt"
	"time"
)

// Snapshot is the latest display-state envelope stored for a (room, kind).
type Snapshot struct {
	Room      string
	Kind      string
	Payload   []byte
	UpdatedAt time.Time
}

// SaveSnapshots upserts a batch in one transaction. Later entries for the
// same (room, kind) win.
func (d *DB) SaveSnapshots(batch []Snapshot) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO room_snapshots (room, kind, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room, kind) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range batch {
		if _, err := stmt.Exec(s.Room, s.Kind, s.Payload); err != nil {
			return fmt.Errorf("saving snapshot %s/%s: %w", s.Room, s.Kind, err)
		}
	}

	return tx.Commit()
}

func (d *DB) LoadSnapshots() ([]Snapshot, error) {
	rows, err := d.conn.Query(`
		SELECT room, kind, payload, updated_at FROM room_snapshots
	`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.Room, &s.Kind, &s.Payload, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return out, nil
}
