package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateAccount registers a new account for userID (created by
// create_identity or login; spec §3 Lifecycle).
func (s *Store) CreateAccount(ctx context.Context, pubkey, userID string, now int64) (Account, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, pubkey, user_id, last_synced_at, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		id, pubkey, userID, now, now)
	if err != nil {
		return Account{}, fmt.Errorf("store: create account: %w", err)
	}
	return Account{ID: id, Pubkey: pubkey, UserID: userID, CreatedAt: fromMillis(now), UpdatedAt: fromMillis(now)}, nil
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	var lastSynced, createdAt, updatedAt int64
	if err := row.Scan(&a.ID, &a.Pubkey, &a.UserID, &lastSynced, &createdAt, &updatedAt); err != nil {
		return Account{}, err
	}
	a.LastSyncedAt = fromMillis(lastSynced)
	a.CreatedAt, a.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return a, nil
}

func (s *Store) GetAccountByPubkey(ctx context.Context, pubkey string) (Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, pubkey, user_id, last_synced_at, created_at, updated_at FROM accounts WHERE pubkey = ?`, pubkey))
}

// ListAccounts returns every account this process holds signing keys for.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pubkey, user_id, last_synced_at, created_at, updated_at FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var a Account
		var lastSynced, createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.Pubkey, &a.UserID, &lastSynced, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.LastSyncedAt = fromMillis(lastSynced)
		a.CreatedAt, a.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount implements logout: the account row is removed, but the
// MLS state store on disk is left untouched (spec §3 Lifecycle: "this is a
// deliberate decision") so a subsequent login resumes cleanly.
func (s *Store) DeleteAccount(ctx context.Context, pubkey string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM account_follows WHERE account_id IN (SELECT id FROM accounts WHERE pubkey = ?)`, pubkey); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE pubkey = ?`, pubkey)
		return err
	})
}

// UpdateLastSyncedAt advances the high-water mark below which the network
// has already been scanned (spec §3).
func (s *Store) UpdateLastSyncedAt(ctx context.Context, accountID string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_synced_at = ?, updated_at = ? WHERE id = ?`, at, at, accountID)
	return err
}

func (s *Store) FollowUser(ctx context.Context, accountID, userID string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_follows (account_id, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(account_id, user_id) DO NOTHING`, accountID, userID, now)
	return err
}

func (s *Store) UnfollowUser(ctx context.Context, accountID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM account_follows WHERE account_id = ? AND user_id = ?`, accountID, userID)
	return err
}

// ReplaceFollows atomically reconciles the account's follow set to exactly
// userIDs (spec §4.2 ContactList handling: "reconcile follow set").
func (s *Store) ReplaceFollows(ctx context.Context, accountID string, userIDs []string, now int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM account_follows WHERE account_id = ?`, accountID); err != nil {
			return err
		}
		for _, uid := range userIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO account_follows (account_id, user_id, created_at) VALUES (?, ?, ?)`, accountID, uid, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListFollows(ctx context.Context, accountID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.pubkey, u.metadata_json, u.created_at, u.updated_at
		 FROM account_follows af JOIN users u ON u.id = af.user_id
		 WHERE af.account_id = ?`, accountID)
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
		_ = unmarshalMetadata(metaJSON, &u.Metadata)
		u.CreatedAt, u.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}
