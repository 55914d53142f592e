package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetSetting reads a single key from the app_settings table, used for small
// mutable runtime state that doesn't warrant its own table (e.g. the last
// global-subscription resync cursor).
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_settings WHERE key = ?`, key)
	return err
}

// DeleteAllData wipes every table, implementing the delete_all_data
// operation (spec §6). Relays are kept, since they aren't account state.
func (s *Store) DeleteAllData(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		tables := []string{
			"reactions", "aggregated_messages", "media_files", "welcomes",
			"processed_events", "published_events", "account_follows",
			"accounts", "user_relays", "users", "group_information", "app_settings",
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
				return err
			}
		}
		return nil
	})
}
