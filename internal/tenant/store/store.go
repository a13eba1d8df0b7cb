// Package store implements the per-tenant SQLite persistence layer: one
// database file per tenant, opened with a single writer
// connection and WAL journaling.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/common/logger"
)

// Store is the SQLite-backed persistence layer for a single tenant.
type Store struct {
	db     *sql.DB
	path   string
	log    *logger.Logger
}

// Open opens (creating if necessary) the tenant database at path, applies
// performance pragmas, and runs schema creation + migration.
func Open(path string, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.StorageCorrupt("open tenant database", err)
	}

	// A single writer connection avoids SQLITE_BUSY under WAL; readers are
	// served from the same connection since tenant volumes are low.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, log: log}

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-20000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return apperrors.StorageCorrupt(fmt.Sprintf("apply pragma %q", p), err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of this tenant's database file.
func (s *Store) Path() string { return s.path }

// Exec runs a raw statement against the tenant database. Exposed for
// seeding/inspection in tests and one-off maintenance scripts; regular
// operations should go through the typed methods in ops.go.
func (s *Store) Exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(query, args...)
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS info (
			telegram_user_id INTEGER PRIMARY KEY,
			username TEXT,
			trial_started_at TIMESTAMP,
			trial_days INTEGER DEFAULT 3,
			subscription_until TIMESTAMP,
			last_license_notice TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS linked_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone TEXT,
			credential TEXT NOT NULL,
			is_main INTEGER NOT NULL DEFAULT 0,
			label TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL UNIQUE,
			username TEXT,
			title TEXT,
			is_donor INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS repost_streams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			donor_ref TEXT NOT NULL,
			targets_json TEXT NOT NULL DEFAULT '[]',
			last_seen_message_id INTEGER NOT NULL DEFAULT 0,
			credential_ref TEXT NOT NULL,
			is_public_source INTEGER NOT NULL DEFAULT 0,
			freshness_days INTEGER NOT NULL DEFAULT 3,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS random_posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			donors_json TEXT NOT NULL DEFAULT '[]',
			targets_json TEXT NOT NULL DEFAULT '[]',
			posts_per_day_per_target INTEGER NOT NULL DEFAULT 1,
			freshness_days INTEGER NOT NULL DEFAULT 3,
			credential_ref TEXT NOT NULL,
			is_public_source INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			last_post_time TIMESTAMP,
			upcoming_slot_times_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS periodic_posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			donor_ref TEXT NOT NULL,
			targets_json TEXT NOT NULL DEFAULT '[]',
			last_post_time TIMESTAMP,
			credential_ref TEXT NOT NULL,
			is_public_source INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL,
			content_kind TEXT NOT NULL,
			content_payload TEXT NOT NULL DEFAULT '',
			media_ref TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMP NOT NULL,
			published INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMP,
			stream_ref INTEGER,
			donors_snapshot_json TEXT NOT NULL DEFAULT '[]',
			targets_snapshot_json TEXT NOT NULL DEFAULT '[]',
			freshness_days INTEGER NOT NULL DEFAULT 3,
			credential_ref TEXT NOT NULL DEFAULT '',
			is_public_source INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS published_dedup (
			channel_id INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			published_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_scheduled ON posts(scheduled_at, published)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_channel ON posts(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_kind ON posts(content_kind)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return apperrors.StorageCorrupt("create schema", err)
		}
	}
	return nil
}
