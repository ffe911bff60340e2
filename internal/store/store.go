// Package store persists users, servers, channels, memberships, moderation
// records, chat messages and blob metadata in an embedded SQLite database.
//
// Migrations are kept in order in the migrations slice; each runs exactly once
// and the applied version is tracked in schema_migrations. Append new entries,
// never edit or reorder existing ones.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with a unique constraint.
	ErrConflict = errors.New("conflict")
)

var migrations = []string{
	// v1 users
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		avatar        TEXT NOT NULL DEFAULT '',
		permissions   TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	)`,
	// v2 servers and channels
	`CREATE TABLE IF NOT EXISTS servers (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL,
		icon     TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS channels (
		id        TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name      TEXT NOT NULL,
		type      TEXT NOT NULL CHECK (type IN ('TEXT', 'VOICE')),
		position  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_channels_server ON channels(server_id, position)`,
	// v3 memberships
	`CREATE TABLE IF NOT EXISTS server_members (
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		user_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		is_admin  INTEGER NOT NULL DEFAULT 0,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (server_id, user_id)
	)`,
	// v4 bans and mutes
	`CREATE TABLE IF NOT EXISTS bans (
		server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  INTEGER NOT NULL DEFAULT 0,
		until      INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (server_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS mutes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		channel_id TEXT NOT NULL DEFAULT '',
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reason     TEXT NOT NULL DEFAULT '',
		muted_by   INTEGER NOT NULL DEFAULT 0,
		until      INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE (server_id, channel_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_mutes_user ON mutes(server_id, user_id)`,
	// v5 messages
	`CREATE TABLE IF NOT EXISTS messages (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id     TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		server_id      TEXT NOT NULL,
		user_id        INTEGER NOT NULL,
		username       TEXT NOT NULL,
		content        TEXT NOT NULL,
		avatar_at_post TEXT NOT NULL DEFAULT '',
		ts             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, ts)`,
	// v6 blobs
	`CREATE TABLE IF NOT EXISTS blobs (
		id                 TEXT PRIMARY KEY,
		kind               TEXT NOT NULL,
		owner_id           INTEGER NOT NULL DEFAULT 0,
		original_name      TEXT NOT NULL,
		content_type       TEXT NOT NULL,
		disk_name          TEXT NOT NULL UNIQUE,
		size_bytes         INTEGER NOT NULL CHECK (size_bytes >= 0),
		created_at_unix_ms INTEGER NOT NULL
	)`,
	// v7 audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id    TEXT NOT NULL DEFAULT '',
		actor_id     INTEGER NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
}

// maxAuditEntries bounds the audit_log table; older rows are purged on insert.
const maxAuditEntries = 10000

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	st := &Store{db: db, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, v, s.now().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Backup writes a consistent copy of the database to destPath via VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup to %s: %w", destPath, err)
	}
	return nil
}

// Optimize runs PRAGMA optimize for query planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// Stats is a row count summary used by the status command.
type Stats struct {
	Users    int
	Servers  int
	Channels int
	Messages int
	Bans     int
	Mutes    int
	Blobs    int
}

// Stats counts rows in the main tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, c := range []struct {
		table string
		dst   *int
	}{
		{"users", &st.Users},
		{"servers", &st.Servers},
		{"channels", &st.Channels},
		{"messages", &st.Messages},
		{"bans", &st.Bans},
		{"mutes", &st.Mutes},
		{"blobs", &st.Blobs},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return st, nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
