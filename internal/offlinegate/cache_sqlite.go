package offlinegate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteRegionSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	region TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB,
	PRIMARY KEY (region, entry_key)
);
CREATE INDEX IF NOT EXISTS cache_entries_region ON cache_entries (region);
`

type sqliteRegionStore struct {
	db *sql.DB
}

// OpenSQLiteRegionStore opens (or creates) a SQLite-backed region store
// at path and applies the schema.
func OpenSQLiteRegionStore(path string) (RegionStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteRegionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &sqliteRegionStore{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func (s *sqliteRegionStore) Put(ctx context.Context, region, key string, snap ResponseSnapshot) error {
	if region == "" || key == "" {
		return ErrInvalidInput
	}
	headerJSON, err := json.Marshal(snap.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (region, entry_key, status, header, body)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (region, entry_key) DO UPDATE
		 SET status = excluded.status, header = excluded.header, body = excluded.body`,
		region, key, snap.Status, string(headerJSON), snap.Body)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *sqliteRegionStore) Get(ctx context.Context, region, key string) (ResponseSnapshot, error) {
	var (
		status     int
		headerJSON string
		body       []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body FROM cache_entries WHERE region = ? AND entry_key = ?`,
		region, key).Scan(&status, &headerJSON, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return ResponseSnapshot{}, ErrNotFound
	}
	if err != nil {
		return ResponseSnapshot{}, fmt.Errorf("get cache entry: %w", err)
	}
	var header http.Header
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return ResponseSnapshot{}, fmt.Errorf("decode header: %w", err)
	}
	return ResponseSnapshot{Status: status, Header: header, Body: body}, nil
}

func (s *sqliteRegionStore) ListRegions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT region FROM cache_entries ORDER BY region`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return names, nil
}

func (s *sqliteRegionStore) DeleteRegion(ctx context.Context, region string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE region = ?`, region); err != nil {
		return fmt.Errorf("delete region: %w", err)
	}
	return nil
}

func (s *sqliteRegionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
