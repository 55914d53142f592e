package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// UpsertAggregatedMessage persists the lightweight projection used to
// rebuild the aggregator after restart (spec §3).
func (s *Store) UpsertAggregatedMessage(ctx context.Context, row AggregatedMessageRow, now int64) (AggregatedMessageRow, error) {
	tagsJSON, err := json.Marshal(row.Tags)
	if err != nil {
		return AggregatedMessageRow{}, err
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO aggregated_messages (id, event_id, mls_group_id, author, content, kind, created_at, tags_json, is_deleted, reply_to_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		row.ID, row.EventID, row.MLSGroupID, row.Author, row.Content, row.Kind, toMillis(row.CreatedAt), string(tagsJSON), row.ReplyToID)
	if err != nil {
		return AggregatedMessageRow{}, err
	}
	return s.GetAggregatedMessageByEventID(ctx, row.EventID)
}

func scanAggregatedMessage(scan func(dest ...any) error) (AggregatedMessageRow, error) {
	var r AggregatedMessageRow
	var createdAt int64
	var tagsJSON string
	var isDeleted int
	var replyTo sql.NullString
	if err := scan(&r.ID, &r.EventID, &r.MLSGroupID, &r.Author, &r.Content, &r.Kind, &createdAt, &tagsJSON, &isDeleted, &replyTo); err != nil {
		return AggregatedMessageRow{}, err
	}
	r.CreatedAt = fromMillis(createdAt)
	_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
	r.IsDeleted = isDeleted != 0
	if replyTo.Valid {
		r.ReplyToID = &replyTo.String
	}
	return r, nil
}

const aggMsgColumns = `id, event_id, mls_group_id, author, content, kind, created_at, tags_json, is_deleted, reply_to_id`

func (s *Store) GetAggregatedMessageByEventID(ctx context.Context, eventID string) (AggregatedMessageRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aggMsgColumns+` FROM aggregated_messages WHERE event_id = ?`, eventID)
	return scanAggregatedMessage(row.Scan)
}

// ListAggregatedMessages returns a group's messages in created_at order
// (spec §4.5 Snapshot API).
func (s *Store) ListAggregatedMessages(ctx context.Context, mlsGroupID []byte) ([]AggregatedMessageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggMsgColumns+` FROM aggregated_messages WHERE mls_group_id = ? ORDER BY created_at ASC`, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AggregatedMessageRow
	for rows.Next() {
		r, err := scanAggregatedMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkMessageDeleted is monotonic: once set, never unset (spec §3, §8).
func (s *Store) MarkMessageDeleted(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE aggregated_messages SET is_deleted = 1 WHERE event_id = ?`, eventID)
	return err
}

// UpsertReaction replaces a reactor's existing reaction atomically (spec
// §3 invariant: at most one reaction per user per message).
func (s *Store) UpsertReaction(ctx context.Context, r ReactionRow) (previous *ReactionRow, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		prevRow := tx.QueryRowContext(ctx,
			`SELECT target_event_id, reactor_pubkey, emoji, event_id, created_at FROM reactions WHERE target_event_id = ? AND reactor_pubkey = ?`,
			r.TargetEventID, r.ReactorPubkey)
		var p ReactionRow
		var createdAt int64
		scanErr := prevRow.Scan(&p.TargetEventID, &p.ReactorPubkey, &p.Emoji, &p.EventID, &createdAt)
		if scanErr == nil {
			p.CreatedAt = fromMillis(createdAt)
			previous = &p
		} else if !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (target_event_id, reactor_pubkey, emoji, event_id, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(target_event_id, reactor_pubkey) DO UPDATE SET emoji = excluded.emoji, event_id = excluded.event_id, created_at = excluded.created_at`,
			r.TargetEventID, r.ReactorPubkey, r.Emoji, r.EventID, toMillis(r.CreatedAt))
		return err
	})
	return previous, err
}

// GetReactionByEventID looks up a reaction by the event ID of the kind-7
// event that created it, rather than by (target, reactor) — used when a
// deletion references a reaction's own event ID and the target kind isn't
// known ahead of time (spec §4.5: a kind-5 e-tag may point at a reaction).
func (s *Store) GetReactionByEventID(ctx context.Context, eventID string) (ReactionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT target_event_id, reactor_pubkey, emoji, event_id, created_at FROM reactions WHERE event_id = ?`, eventID)
	var r ReactionRow
	var createdAt int64
	if err := row.Scan(&r.TargetEventID, &r.ReactorPubkey, &r.Emoji, &r.EventID, &createdAt); err != nil {
		return ReactionRow{}, err
	}
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

func (s *Store) RemoveReaction(ctx context.Context, targetEventID, reactorPubkey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE target_event_id = ? AND reactor_pubkey = ?`, targetEventID, reactorPubkey)
	return err
}

func (s *Store) ListReactions(ctx context.Context, targetEventID string) ([]ReactionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_event_id, reactor_pubkey, emoji, event_id, created_at FROM reactions WHERE target_event_id = ? ORDER BY created_at ASC`,
		targetEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReactionRow
	for rows.Next() {
		var r ReactionRow
		var createdAt int64
		if err := rows.Scan(&r.TargetEventID, &r.ReactorPubkey, &r.Emoji, &r.EventID, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
