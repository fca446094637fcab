package offlinegate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName       = "offlinegate_queue"
	postgresQueueOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresQueueStore is the shared-database queue backend. The schema is
// applied lazily on first use so constructing the store never touches
// the network.
type postgresQueueStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueueStore(dsn string) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresQueueStore{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *postgresQueueStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOperationTimeout)
		defer cancel()
		createQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				op TEXT NOT NULL,
				id TEXT NOT NULL,
				payload TEXT,
				blob BYTEA,
				blob_content_type TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				UNIQUE (op, id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (op, seq)",
			postgresQuoteIdentifier(s.tableName+"_op_seq_idx"),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	if s.initErr != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, s.initErr)
	}
	return nil
}

func (s *postgresQueueStore) Enqueue(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	var payload any
	if entry.Payload != nil {
		payload = string(entry.Payload)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (op, id, payload, blob, blob_content_type, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query,
		string(entry.Op), entry.ID, payload, entry.Blob, entry.BlobContentType,
		entry.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *postgresQueueStore) List(ctx context.Context, op Operation) ([]Entry, error) {
	if !ValidOperation(op) {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidInput, op)
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT id, payload, blob, blob_content_type, created_at FROM %s WHERE op = $1 ORDER BY seq ASC",
		postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, string(op))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var (
			entry     Entry
			payload   sql.NullString
			createdAt time.Time
		)
		entry.Op = op
		if err := rows.Scan(&entry.ID, &payload, &entry.Blob, &entry.BlobContentType, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		if payload.Valid {
			entry.Payload = []byte(payload.String)
		}
		entry.CreatedAt = createdAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", ErrStoreUnavailable, err)
	}
	return entries, nil
}

func (s *postgresQueueStore) Remove(ctx context.Context, op Operation, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE op = $1 AND id = $2",
		postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, string(op), id)
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

func (s *postgresQueueStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
