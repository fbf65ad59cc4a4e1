package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Get returns the record stored for (bucket, conversationID).
func (db *DB) Get(ctx context.Context, bucket, conversationID string) ([]byte, error) {
	var data []byte
	err := db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE bucket = ? AND conversation_id = ?`,
		bucket, conversationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set replaces the record for (bucket, conversationID).
func (db *DB) Set(ctx context.Context, bucket, conversationID string, data []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO records (bucket, conversation_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, conversation_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		bucket, conversationID, data, now)
	return err
}

// Delete removes the record. Deleting a missing record is not an error.
func (db *DB) Delete(ctx context.Context, bucket, conversationID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM records WHERE bucket = ? AND conversation_id = ?`,
		bucket, conversationID)
	return err
}

// Conversations lists conversation ids with a record in bucket, most
// recently written first.
func (db *DB) Conversations(ctx context.Context, bucket string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT conversation_id FROM records WHERE bucket = ? ORDER BY updated_at DESC`, bucket)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ KV = (*DB)(nil)
