package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UpsertRelay inserts a relay by its URL exactly as given, or returns the
// existing row if one is already registered under that same string (spec
// §3: set semantics on URL across the entire process; relays are never
// deleted by normal operation). The URL is not parsed or normalized, so
// spellings that differ only in case or a trailing slash are distinct rows.
func (s *Store) UpsertRelay(ctx context.Context, url string, now int64) (Relay, bool, error) {
	var created bool
	var r Relay
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id, url, created_at, updated_at FROM relays WHERE url = ?`, url)
		var id string
		var createdAt, updatedAt int64
		scanErr := row.Scan(&id, &url, &createdAt, &updatedAt)
		if scanErr == nil {
			r = Relay{ID: id, URL: url, CreatedAt: fromMillis(createdAt), UpdatedAt: fromMillis(updatedAt)}
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}

		id = uuid.NewString()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO relays (id, url, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(url) DO UPDATE SET updated_at = excluded.updated_at`,
			id, url, now, now)
		if err != nil {
			return err
		}
		created = true
		r = Relay{ID: id, URL: url, CreatedAt: fromMillis(now), UpdatedAt: fromMillis(now)}
		return nil
	})
	if err != nil {
		return Relay{}, false, fmt.Errorf("store: upsert relay: %w", err)
	}
	return r, created, nil
}

func (s *Store) GetRelayByURL(ctx context.Context, url string) (Relay, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, url, created_at, updated_at FROM relays WHERE url = ?`, url)
	var r Relay
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.URL, &createdAt, &updatedAt); err != nil {
		return Relay{}, err
	}
	r.CreatedAt, r.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return r, nil
}

// SetUserRelays replaces the (user, type) relay set atomically: clears
// existing rows for that type and inserts the new set. This models the
// "latest NIP-65/inbox/key-package list wins" replacement semantics.
func (s *Store) SetUserRelays(ctx context.Context, userID string, relayType RelayType, urls []string, now int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_relays WHERE user_id = ? AND type = ?`, userID, string(relayType)); err != nil {
			return err
		}
		for _, url := range urls {
			var relayID string
			row := tx.QueryRowContext(ctx, `SELECT id FROM relays WHERE url = ?`, url)
			if err := row.Scan(&relayID); err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				relayID = uuid.NewString()
				if _, err := tx.ExecContext(ctx, `INSERT INTO relays (id, url, created_at, updated_at) VALUES (?, ?, ?, ?)`, relayID, url, now, now); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO user_relays (user_id, relay_id, type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(user_id, relay_id, type) DO UPDATE SET updated_at = excluded.updated_at`,
				userID, relayID, string(relayType), now, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UserRelays returns the URLs registered for (user, type).
func (s *Store) UserRelays(ctx context.Context, userID string, relayType RelayType) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.url FROM user_relays ur JOIN relays r ON r.id = ur.relay_id WHERE ur.user_id = ? AND ur.type = ?`,
		userID, string(relayType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
