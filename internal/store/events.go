package store

import (
	"context"
	"database/sql"
	"errors"
)

// IsProcessed checks the idempotency ledger (spec §3 ProcessedEvent, §4.2
// step 2). accountID == nil means a global (non-account-scoped) event.
func (s *Store) IsProcessed(ctx context.Context, eventID string, accountID *string) (bool, error) {
	var q string
	var args []any
	if accountID == nil {
		q = `SELECT 1 FROM processed_events WHERE event_id = ? AND account_id IS NULL`
		args = []any{eventID}
	} else {
		q = `SELECT 1 FROM processed_events WHERE event_id = ? AND account_id = ?`
		args = []any{eventID, *accountID}
	}
	var one int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records that eventID was handled, per spec §4.2 step 5.
// Idempotent: a duplicate insert is silently ignored (INSERT OR IGNORE
// semantics, spec §5).
func (s *Store) MarkProcessed(ctx context.Context, eventID string, accountID *string, createdAt *int64, kind *int, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, account_id, event_created_at, event_kind, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		eventID, accountID, createdAt, kind, now)
	return err
}

// MaxProcessedCreatedAt returns the latest event_created_at processed for
// (accountID, kind) — used to compute resync watermarks (spec §9).
func (s *Store) MaxProcessedCreatedAt(ctx context.Context, accountID string, kind int) (int64, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(event_created_at) FROM processed_events WHERE account_id = ? AND event_kind = ?`,
		accountID, kind).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return max.Int64, true, nil
}

// IsPublished checks whether accountID emitted eventID itself (spec §4.2
// step 3: used to drop our own echoes).
func (s *Store) IsPublished(ctx context.Context, eventID, accountID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM published_events WHERE event_id = ? AND account_id = ?`, eventID, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// MarkPublished records an event we emitted (spec §3 PublishedEvent).
func (s *Store) MarkPublished(ctx context.Context, eventID, accountID string, kind int, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO published_events (event_id, account_id, event_kind, created_at) VALUES (?, ?, ?, ?)`,
		eventID, accountID, kind, now)
	return err
}
