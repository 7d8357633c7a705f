package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	store     TEXT NOT NULL REFERENCES stores(name) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	snapshot  BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (store, key)
);
`

// NewSQLiteStorage 在 basePath/cache.db 中保存全部代际，单连接 + WAL。
func NewSQLiteStorage(basePath string) (Storage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dbPath := filepath.Join(filepath.Clean(basePath), "cache.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接保证 PRAGMA 对所有语句生效，同时让 SQLite 自己串行化写入。
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	if err := ensureStoreRow(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Store, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &sqliteStore{db: s.db, name: name}, true, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return fmt.Errorf("delete entries of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete store %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureStoreRow(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("create store %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Put(ctx context.Context, key RequestKey, snap *Snapshot) error {
	if err := validatePut(key, snap); err != nil {
		return err
	}
	data, err := EncodeSnapshot(key, snap)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (store, key, method, url, snapshot, stored_at)
		 SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`,
		s.name, key.String(), key.Method, key.URL, data, snap.StoredAt.UTC().UnixMilli(), s.name)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrStoreDeleted, s.name)
	}
	return nil
}

func (s *sqliteStore) Match(ctx context.Context, key RequestKey) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM entries WHERE store = ? AND key = ?",
		s.name, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	_, snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT method, url FROM entries WHERE store = ? ORDER BY url, method", s.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", s.name, err)
	}
	defer rows.Close()
	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
