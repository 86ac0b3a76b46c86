package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/schoolpsy/psyhelper/internal/role"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// DateLayout is the layout of stored date strings. It sorts lexically.
const DateLayout = "2006-01-02 15:04:05"

// FileName is the database file inside the data directory.
const FileName = "data.db"

// DB wraps the local SQLite cache
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

// Open opens or creates a SQLite database in the given directory
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, FileName)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Key-value store (session prefs, last test score)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			username     TEXT NOT NULL UNIQUE,
			password     TEXT NOT NULL,
			first_name   TEXT DEFAULT '',
			last_name    TEXT DEFAULT '',
			role         TEXT NOT NULL DEFAULT 'student',
			avatar_color INTEGER DEFAULT 0,
			created_at   INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	// Migration: rows created before mirroring was tracked count as mirrored
	db.Exec(`ALTER TABLE users ADD COLUMN synced INTEGER DEFAULT 1`)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id   INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			sender_name TEXT DEFAULT '',
			text        TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			is_read     INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages (receiver_id, is_read);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	// Migration: collapse duplicates left by older builds, then enforce the
	// natural key so inserts can be idempotent.
	if _, err := db.Exec(`
		DELETE FROM messages WHERE id NOT IN (
			SELECT MIN(id) FROM messages GROUP BY sender_id, receiver_id, timestamp
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_natural
			ON messages (sender_id, receiver_id, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate messages key: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS test_results (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id         INTEGER NOT NULL,
			student_name    TEXT DEFAULT '',
			score           INTEGER NOT NULL,
			date            TEXT NOT NULL,
			answers         TEXT DEFAULT '',
			recommendations TEXT DEFAULT '',
			category_scores TEXT DEFAULT '',
			UNIQUE (user_id, date)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create test results table: %w", err)
	}

	d := &DB{db: db, path: dbPath, watchers: make(map[chan struct{}]struct{})}
	if err := d.normalizeRoles(); err != nil {
		db.Close()
		return nil, fmt.Errorf("normalize roles: %w", err)
	}
	return d, nil
}

// normalizeRoles rewrites legacy role tags to their canonical form.
// SQLite's lower() is ASCII-only, so this runs in Go.
func (d *DB) normalizeRoles() error {
	rows, err := d.db.Query(`SELECT DISTINCT role FROM users`)
	if err != nil {
		return err
	}
	var tags []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return err
		}
		tags = append(tags, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, tag := range tags {
		canon := role.Normalize(tag)
		if string(canon) == tag {
			continue
		}
		if _, err := d.db.Exec(`UPDATE users SET role = ? WHERE role = ?`, string(canon), tag); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	d.watchMu.Lock()
	for ch := range d.watchers {
		close(ch)
		delete(d.watchers, ch)
	}
	d.watchMu.Unlock()
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Exec executes a query without returning rows
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRowContext(ctx, query, args...)
}

// withTx runs fn in a transaction while holding the write lock.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetMeta reads a key from the key-value store.
func (d *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v sql.NullString
	err := d.QueryRow(ctx, `SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

// SetMeta stores or replaces a key in the key-value store.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.Exec(ctx, `
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DeleteMeta removes keys from the key-value store. Missing keys are ignored.
func (d *DB) DeleteMeta(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := d.Exec(ctx, `DELETE FROM _meta WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return nil
}
