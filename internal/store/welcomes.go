package store

import (
	"context"

	"github.com/google/uuid"
)

// CreateWelcome records an inbound welcome as Pending. Acceptance is an
// explicit user action (accept_welcome/decline_welcome), not automatic on
// receipt (SPEC_FULL.md §C: welcome inbox replaces auto-join).
func (s *Store) CreateWelcome(ctx context.Context, w Welcome, now int64) (Welcome, error) {
	w.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO welcomes (id, account_id, mls_group_id, wrapper_event_id, group_name, member_count, rumor_content, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(account_id, wrapper_event_id) DO NOTHING`,
		w.ID, w.AccountID, w.MLSGroupID, w.WrapperEventID, w.GroupName, w.MemberCount, w.RumorContent, now, now)
	if err != nil {
		return Welcome{}, err
	}
	return s.GetWelcome(ctx, w.AccountID, w.WrapperEventID)
}

func scanWelcome(scan func(dest ...any) error) (Welcome, error) {
	var w Welcome
	var state string
	var createdAt, updatedAt int64
	if err := scan(&w.ID, &w.AccountID, &w.MLSGroupID, &w.WrapperEventID, &w.GroupName, &w.MemberCount, &w.RumorContent, &state, &createdAt, &updatedAt); err != nil {
		return Welcome{}, err
	}
	w.State = WelcomeState(state)
	w.CreatedAt, w.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return w, nil
}

const welcomeColumns = `id, account_id, mls_group_id, wrapper_event_id, group_name, member_count, rumor_content, state, created_at, updated_at`

func (s *Store) GetWelcome(ctx context.Context, accountID, wrapperEventID string) (Welcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+welcomeColumns+` FROM welcomes WHERE account_id = ? AND wrapper_event_id = ?`, accountID, wrapperEventID)
	return scanWelcome(row.Scan)
}

// PendingWelcomes backs the pending_welcomes operation (spec §6).
func (s *Store) PendingWelcomes(ctx context.Context, accountID string) ([]Welcome, error) {
	return s.welcomesByState(ctx, accountID, WelcomeStatePending)
}

func (s *Store) welcomesByState(ctx context.Context, accountID string, state WelcomeState) ([]Welcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+welcomeColumns+` FROM welcomes WHERE account_id = ? AND state = ? ORDER BY created_at ASC`,
		accountID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Welcome
	for rows.Next() {
		w, err := scanWelcome(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWelcomeState drives the accept_welcome/decline_welcome transitions.
// Once Accepted or Declined a welcome is terminal; callers should check the
// current state before calling (spec §4.4).
func (s *Store) SetWelcomeState(ctx context.Context, id string, state WelcomeState, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE welcomes SET state = ?, updated_at = ? WHERE id = ?`, string(state), now, id)
	return err
}

func (s *Store) GetWelcomeByID(ctx context.Context, id string) (Welcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+welcomeColumns+` FROM welcomes WHERE id = ?`, id)
	return scanWelcome(row.Scan)
}
