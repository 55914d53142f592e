// Package store is the SQLite persistence layer backing the relay directory
// (B), user directory (C), account store (D), the event tracker (F), the
// aggregated-message cache, and media file bookkeeping (spec §3, §6).
//
// Schema is applied as idempotent CREATE TABLE IF NOT EXISTS segments on
// open, the same pattern the teacher's pack uses for embedded SQLite state
// (no separate migration-runner dependency).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (or reuses) the SQLite database at path, applying schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite connections are not safe for concurrent writers across
	// multiple *sql.DB connections in the pool; cap it at one so
	// writes serialize the way a single-threaded-cooperative scheduler
	// expects (spec §5).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: foreign keys: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers (e.g. tests) that need raw
// access; production code should prefer the typed repository methods below.
func (s *Store) DB() *sql.DB { return s.db }

var schemaRelaysSQL = `
CREATE TABLE IF NOT EXISTS relays (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

var schemaUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	pubkey TEXT NOT NULL UNIQUE,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS user_relays (
	user_id TEXT NOT NULL REFERENCES users(id),
	relay_id TEXT NOT NULL REFERENCES relays(id),
	type TEXT NOT NULL CHECK (type IN ('nip65','inbox','key_package')),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, relay_id, type)
);
CREATE INDEX IF NOT EXISTS idx_user_relays_user_type ON user_relays(user_id, type);
`

var schemaAccountsSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	pubkey TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES users(id),
	last_synced_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS account_follows (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	user_id TEXT NOT NULL REFERENCES users(id),
	created_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, user_id)
);
`

var schemaGroupsSQL = `
CREATE TABLE IF NOT EXISTS group_information (
	id TEXT PRIMARY KEY,
	mls_group_id BLOB NOT NULL UNIQUE,
	nostr_group_id BLOB NOT NULL,
	group_type TEXT NOT NULL CHECK (group_type IN ('group','direct_message')),
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image_hash TEXT,
	image_key TEXT,
	image_nonce TEXT,
	image_pointer TEXT,
	admin_pubkeys_json TEXT NOT NULL DEFAULT '[]',
	relays_json TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active','inactive')),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_group_information_nostr_group_id ON group_information(nostr_group_id);
`

var schemaEventTrackingSQL = `
CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT NOT NULL,
	account_id TEXT,
	event_created_at INTEGER,
	event_kind INTEGER,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_events_scoped ON processed_events(event_id, account_id) WHERE account_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_events_global ON processed_events(event_id) WHERE account_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_processed_events_kind_watermark ON processed_events(account_id, event_kind, event_created_at);

CREATE TABLE IF NOT EXISTS published_events (
	event_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	event_kind INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (event_id, account_id)
);
`

var schemaMessagesSQL = `
CREATE TABLE IF NOT EXISTS aggregated_messages (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	mls_group_id BLOB NOT NULL,
	author TEXT NOT NULL,
	content TEXT NOT NULL,
	kind INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	tags_json TEXT NOT NULL DEFAULT '[]',
	is_deleted INTEGER NOT NULL DEFAULT 0,
	reply_to_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_aggregated_messages_event ON aggregated_messages(event_id);
CREATE INDEX IF NOT EXISTS idx_aggregated_messages_group ON aggregated_messages(mls_group_id, created_at);

CREATE TABLE IF NOT EXISTS reactions (
	target_event_id TEXT NOT NULL,
	reactor_pubkey TEXT NOT NULL,
	emoji TEXT NOT NULL,
	event_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (target_event_id, reactor_pubkey)
);
`

var schemaMediaSQL = `
CREATE TABLE IF NOT EXISTS media_files (
	mls_group_id BLOB NOT NULL,
	account_pubkey TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	file_metadata_json TEXT,
	PRIMARY KEY (mls_group_id, file_hash)
);

CREATE TABLE IF NOT EXISTS welcomes (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	mls_group_id BLOB NOT NULL,
	wrapper_event_id TEXT NOT NULL,
	group_name TEXT NOT NULL DEFAULT '',
	member_count INTEGER NOT NULL DEFAULT 0,
	rumor_content BLOB NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','accepted','declined','ignored')),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_welcomes_wrapper ON welcomes(account_id, wrapper_event_id);
`

var schemaSettingsSQL = `
CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) createSchema() error {
	segments := []string{
		schemaRelaysSQL,
		schemaUsersSQL,
		schemaAccountsSQL,
		schemaGroupsSQL,
		schemaEventTrackingSQL,
		schemaMessagesSQL,
		schemaMediaSQL,
		schemaSettingsSQL,
	}
	for _, seg := range segments {
		if _, err := s.db.Exec(seg); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
