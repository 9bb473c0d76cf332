package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore stores one area in a SQLite database that may be shared with
// other areas.
//
// Tables:
//
//	entries(area, key, value)  PRIMARY KEY (area, key)
type SqliteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	area   string
	closed bool
	feed   *feed
}

func NewSqliteStore(dbPath, area string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		area TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (area, key)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{db: db, area: area, feed: newFeed(area)}, nil
}

func (s *SqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.feed.close()
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SqliteStore) selectKeys(ctx context.Context, q queryer, keys []string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.area)
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := q.QueryContext(ctx,
		"SELECT key, value FROM entries WHERE area = ? AND key IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows, result)
}

func (s *SqliteStore) selectAll(ctx context.Context, q queryer) (map[string]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, "SELECT key, value FROM entries WHERE area = ?", s.area)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows, make(map[string]json.RawMessage))
}

func scanEntries(rows *sql.Rows, result map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	defer rows.Close()
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		result[key] = json.RawMessage(raw)
	}
	return result, rows.Err()
}

func (s *SqliteStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.selectKeys(ctx, s.db, keys)
}

func (s *SqliteStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.selectAll(ctx, s.db)
}

func (s *SqliteStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	entries, err := normalize(entries)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := s.selectKeys(ctx, tx, keys)
	if err != nil {
		return err
	}
	changes := changesForSet(old, entries)
	for k := range changes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (area, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(area, key) DO UPDATE SET value = excluded.value`,
			s.area, k, string(entries[k]),
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changes)
	return nil
}

func (s *SqliteStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := s.selectKeys(ctx, tx, keys)
	if err != nil {
		return err
	}
	for k := range old {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entries WHERE area = ? AND key = ?",
			s.area, k,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (s *SqliteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := s.selectAll(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE area = ?", s.area); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (s *SqliteStore) Subscribe(ctx context.Context) (<-chan ChangeSet, func()) {
	return s.feed.subscribe(ctx)
}
