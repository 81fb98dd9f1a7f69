package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveOutbox inserts a submission into the outbox. When maxPending > 0 and
// the queue is already at capacity, the oldest pending entry is evicted in
// the same transaction so the insert can never be refused for space. 0 means
// unbounded.
func (db *DB) SaveOutbox(item *OutboxItem, maxPending int) (evicted int, err error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxPending > 0 {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
			return 0, fmt.Errorf("count outbox: %w", err)
		}
		if count >= maxPending {
			res, err := tx.Exec(`
				DELETE FROM outbox WHERE event_id IN (
					SELECT event_id FROM outbox ORDER BY created_at ASC, rowid ASC LIMIT ?
				)`, count-maxPending+1)
			if err != nil {
				return 0, fmt.Errorf("evict oldest: %w", err)
			}
			n, _ := res.RowsAffected()
			evicted = int(n)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO outbox (event_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		item.EventID, item.Kind, string(item.Payload), item.CreatedAt); err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return evicted, nil
}

// PendingOutbox returns all pending submissions in strict FIFO order.
func (db *DB) PendingOutbox() ([]OutboxItem, error) {
	rows, err := db.Query(`
		SELECT event_id, kind, payload, created_at
		FROM outbox ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		var payload string
		if err := rows.Scan(&it.EventID, &it.Kind, &payload, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkSynced moves a submission from the outbox to the submitted collection.
// The move is transactional: a crash can leave the item pending (it will be
// re-delivered, the server dedups on event_id) but never lost in between.
// Unknown ids are a no-op.
func (db *DB) MarkSynced(eventID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var it OutboxItem
	var payload string
	err = tx.QueryRow(`
		SELECT event_id, kind, payload, created_at FROM outbox WHERE event_id = ?`,
		eventID).Scan(&it.EventID, &it.Kind, &payload, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("load outbox item: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO submitted (event_id, kind, payload, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		it.EventID, it.Kind, payload, it.CreatedAt, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert submitted: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete outbox item: %w", err)
	}

	return tx.Commit()
}

// PendingCount returns the number of submissions waiting to be delivered.
func (db *DB) PendingCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// SubmittedCount returns the number of acknowledged submissions.
func (db *DB) SubmittedCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM submitted`).Scan(&n)
	return n, err
}

// ListSubmitted returns the most recently acknowledged submissions.
func (db *DB) ListSubmitted(limit int) ([]SubmittedItem, error) {
	rows, err := db.Query(`
		SELECT event_id, kind, payload, created_at, synced_at
		FROM submitted ORDER BY synced_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []SubmittedItem
	for rows.Next() {
		var it SubmittedItem
		var payload string
		if err := rows.Scan(&it.EventID, &it.Kind, &payload, &it.CreatedAt, &it.SyncedAt); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	return items, rows.Err()
}
