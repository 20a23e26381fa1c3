package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT    NOT NULL,
	method     TEXT    NOT NULL,
	url        TEXT    NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	PRIMARY KEY (generation, method, url)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteBackend persists generations in a local SQLite file.
type SQLiteBackend struct {
	sqlDB *sql.DB
}

// OpenSQLiteBackend opens (creating if needed) the cache database at path.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteBackend{sqlDB: sqlDB}, nil
}

// Commit implements Backend.
func (s *SQLiteBackend) Commit(ctx context.Context, generation string, records []Record) (err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, generation); err != nil {
		return fmt.Errorf("clear generation %s: %w", generation, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (generation, method, url, status, header, body) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		header, mErr := json.Marshal(rec.Entry.Header)
		if mErr != nil {
			return fmt.Errorf("encode %s: %w", rec.Key, mErr)
		}
		body := rec.Entry.Body
		if body == nil {
			body = []byte{}
		}
		if _, err = stmt.ExecContext(ctx, generation, rec.Key.Method, rec.Key.URL, rec.Entry.Status, string(header), body); err != nil {
			return fmt.Errorf("insert %s: %w", rec.Key, err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO generations (name, created_at) VALUES (?, ?)`,
		generation, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record generation %s: %w", generation, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Lookup implements Backend.
func (s *SQLiteBackend) Lookup(ctx context.Context, generation string, key Key) (Entry, bool, error) {
	var (
		e      Entry
		header string
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body FROM entries WHERE generation = ? AND method = ? AND url = ?`,
		generation, key.Method, key.URL,
	).Scan(&e.Status, &header, &e.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return Entry{}, false, fmt.Errorf("decode header %s: %w", key, err)
	}
	return e, true, nil
}

// Generations implements Backend.
func (s *SQLiteBackend) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, generation string) (err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, generation); err != nil {
		return fmt.Errorf("delete entries of %s: %w", generation, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, generation); err != nil {
		return fmt.Errorf("delete generation %s: %w", generation, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM meta WHERE key = 'active' AND value = ?`, generation); err != nil {
		return fmt.Errorf("clear active %s: %w", generation, err)
	}
	return tx.Commit()
}

// SetActive implements Backend.
func (s *SQLiteBackend) SetActive(ctx context.Context, generation string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('active', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		generation,
	); err != nil {
		return fmt.Errorf("set active generation %s: %w", generation, err)
	}
	return nil
}

// Active implements Backend.
func (s *SQLiteBackend) Active(ctx context.Context) (string, error) {
	var name string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'active'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active generation: %w", err)
	}
	return name, nil
}

// Close closes the SQLite handle.
func (s *SQLiteBackend) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
