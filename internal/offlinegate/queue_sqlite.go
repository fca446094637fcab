package offlinegate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sqliteQueueSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op TEXT NOT NULL,
	id TEXT NOT NULL,
	payload TEXT,
	blob BLOB,
	blob_content_type TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (op, id)
);
CREATE INDEX IF NOT EXISTS queue_entries_op ON queue_entries (op, seq);
`

type sqliteQueueStore struct {
	db *sql.DB
}

// OpenSQLiteQueueStore opens (or creates) a SQLite-backed queue store at
// path and applies the schema. The autoincrement sequence preserves FIFO
// order within each collection.
func OpenSQLiteQueueStore(path string) (QueueStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteQueueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}
	return &sqliteQueueStore{db: db}, nil
}

func (s *sqliteQueueStore) Enqueue(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	var payload any
	if entry.Payload != nil {
		payload = string(entry.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (op, id, payload, blob, blob_content_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(entry.Op), entry.ID, payload, entry.Blob, entry.BlobContentType,
		entry.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *sqliteQueueStore) List(ctx context.Context, op Operation) ([]Entry, error) {
	if !ValidOperation(op) {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidInput, op)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, blob, blob_content_type, created_at
		 FROM queue_entries WHERE op = ? ORDER BY seq`, string(op))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var (
			entry     Entry
			payload   sql.NullString
			createdAt int64
		)
		entry.Op = op
		if err := rows.Scan(&entry.ID, &payload, &entry.Blob, &entry.BlobContentType, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		if payload.Valid {
			entry.Payload = []byte(payload.String)
		}
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", ErrStoreUnavailable, err)
	}
	return entries, nil
}

func (s *sqliteQueueStore) Remove(ctx context.Context, op Operation, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE op = ? AND id = ?`, string(op), id)
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrStoreUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteQueueStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
