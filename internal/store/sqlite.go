package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is the durable "preferences" store: one kv table in a
// SQLite file. Driver "sqlite" is modernc (pure Go), "sqlite3" is mattn (cgo).
type SQLiteBackend struct {
	db     *sql.DB
	driver string
	path   string
}

// OpenSQLite creates or opens the preferences database at path.
func OpenSQLite(driver, path string) (*SQLiteBackend, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes anyway and :memory: is per-connection.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, driver: driver, path: path}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == "sqlite3" {
		return path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (b *SQLiteBackend) initSchema() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);`)
	return err
}

func (b *SQLiteBackend) Name() string { return DriverPreferences + "/" + b.driver }

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Remove(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
