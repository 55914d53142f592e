package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// FindOrCreateUser is idempotent under concurrent callers: upsert on
// pubkey, returning the existing row if one raced us in. Grounded on the
// original implementation's find_or_create_user benchmark semantics
// (SPEC_FULL.md §C).
func (s *Store) FindOrCreateUser(ctx context.Context, pubkey string, now int64) (User, error) {
	var u User
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if existing, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT id, pubkey, metadata_json, created_at, updated_at FROM users WHERE pubkey = ?`, pubkey)); err == nil {
			u = existing
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		id := uuid.NewString()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, pubkey, metadata_json, created_at, updated_at) VALUES (?, ?, '{}', ?, ?)
			 ON CONFLICT(pubkey) DO UPDATE SET updated_at = updated_at`,
			id, pubkey, now, now)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT id, pubkey, metadata_json, created_at, updated_at FROM users WHERE pubkey = ?`, pubkey)
		u, err = scanUser(row)
		return err
	})
	if err != nil {
		return User{}, fmt.Errorf("store: find or create user: %w", err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	var metaJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&u.ID, &u.Pubkey, &metaJSON, &createdAt, &updatedAt); err != nil {
		return User{}, err
	}
	_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
	u.CreatedAt, u.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return u, nil
}

func unmarshalMetadata(data string, md *Metadata) error {
	return json.Unmarshal([]byte(data), md)
}

func (s *Store) GetUserByPubkey(ctx context.Context, pubkey string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, pubkey, metadata_json, created_at, updated_at FROM users WHERE pubkey = ?`, pubkey))
}

// UpdateUserMetadata applies a kind-0 profile snapshot (spec §4.2 step 4).
func (s *Store) UpdateUserMetadata(ctx context.Context, pubkey string, md Metadata, now int64) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, pubkey, metadata_json, created_at, updated_at) VALUES (?, ?, '{}', ?, ?)
			 ON CONFLICT(pubkey) DO NOTHING`,
			uuid.NewString(), pubkey, now, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET metadata_json = ?, updated_at = ? WHERE pubkey = ?`, string(data), now, pubkey)
		return err
	})
}

// SearchUsers does a simple substring match over pubkey and the stored
// metadata JSON (every profile field, and the JSON keys themselves),
// grounded on search_for_enriched_contacts.rs (SPEC_FULL.md §C).
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pubkey, metadata_json, created_at, updated_at FROM users
		 WHERE pubkey LIKE '%'||?||'%' OR metadata_json LIKE '%'||?||'%'
		 LIMIT ?`, query, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		var metaJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&u.ID, &u.Pubkey, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
		u.CreatedAt, u.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}
