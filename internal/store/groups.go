package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func encodeStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(data string) []string {
	var ss []string
	_ = json.Unmarshal([]byte(data), &ss)
	return ss
}

// CreateGroupInformation persists a new group row. GroupType is inferred by
// the caller (group state machine) per spec §3: exactly two participants at
// creation (creator + 1 member) => DirectMessage, else Group, unless an
// explicit type was supplied.
func (s *Store) CreateGroupInformation(ctx context.Context, g GroupInformation, now int64) (GroupInformation, error) {
	g.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_information
		 (id, mls_group_id, nostr_group_id, group_type, name, description, image_hash, image_key, image_nonce, image_pointer, admin_pubkeys_json, relays_json, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.MLSGroupID, g.NostrGroupID, string(g.GroupType), g.Name, g.Description,
		g.ImageHash, g.ImageKey, g.ImageNonce, g.ImagePointer,
		encodeStrings(g.AdminPubkeys), encodeStrings(g.Relays), string(GroupStateActive), now, now)
	if err != nil {
		return GroupInformation{}, fmt.Errorf("store: create group information: %w", err)
	}
	g.State = GroupStateActive
	g.CreatedAt, g.UpdatedAt = fromMillis(now), fromMillis(now)
	return g, nil
}

func scanGroup(scan func(dest ...any) error) (GroupInformation, error) {
	var g GroupInformation
	var groupType, state, adminJSON, relaysJSON string
	var imageHash, imageKey, imageNonce, imagePointer sql.NullString
	var createdAt, updatedAt int64
	err := scan(&g.ID, &g.MLSGroupID, &g.NostrGroupID, &groupType, &g.Name, &g.Description,
		&imageHash, &imageKey, &imageNonce, &imagePointer, &adminJSON, &relaysJSON, &state, &createdAt, &updatedAt)
	if err != nil {
		return GroupInformation{}, err
	}
	g.GroupType = GroupType(groupType)
	g.State = GroupState(state)
	g.ImageHash, g.ImageKey, g.ImageNonce, g.ImagePointer = imageHash.String, imageKey.String, imageNonce.String, imagePointer.String
	g.AdminPubkeys = decodeStrings(adminJSON)
	g.Relays = decodeStrings(relaysJSON)
	g.CreatedAt, g.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return g, nil
}

const groupColumns = `id, mls_group_id, nostr_group_id, group_type, name, description, image_hash, image_key, image_nonce, image_pointer, admin_pubkeys_json, relays_json, state, created_at, updated_at`

func (s *Store) GetGroupByMLSGroupID(ctx context.Context, mlsGroupID []byte) (GroupInformation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM group_information WHERE mls_group_id = ?`, mlsGroupID)
	return scanGroup(row.Scan)
}

func (s *Store) GetGroupByNostrGroupID(ctx context.Context, nostrGroupID []byte) (GroupInformation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM group_information WHERE nostr_group_id = ?`, nostrGroupID)
	return scanGroup(row.Scan)
}

// ListGroups returns all groups, optionally filtered to Active state only
// (spec §3 Lifecycle: "carry a state flag that callers may filter on").
func (s *Store) ListGroups(ctx context.Context, activeOnly bool) ([]GroupInformation, error) {
	q := `SELECT ` + groupColumns + ` FROM group_information`
	args := []any{}
	if activeOnly {
		q += ` WHERE state = ?`
		args = append(args, string(GroupStateActive))
	}
	q += ` ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GroupInformation
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGroupNostrID rewrites the broadcast nostr_group_id after an epoch-
// advancing commit (spec §3: "a group's nostr_group_id ... change[s] only
// on epoch-advancing commits").
func (s *Store) UpdateGroupNostrID(ctx context.Context, mlsGroupID, nostrGroupID []byte, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_information SET nostr_group_id = ?, updated_at = ? WHERE mls_group_id = ?`,
		nostrGroupID, now, mlsGroupID)
	return err
}

func (s *Store) UpdateGroupMetadata(ctx context.Context, mlsGroupID []byte, name, description string, relays, admins []string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_information SET name = ?, description = ?, relays_json = ?, admin_pubkeys_json = ?, updated_at = ? WHERE mls_group_id = ?`,
		name, description, encodeStrings(relays), encodeStrings(admins), now, mlsGroupID)
	return err
}

func (s *Store) UpdateGroupImage(ctx context.Context, mlsGroupID []byte, hash, key, nonce string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_information SET image_hash = ?, image_key = ?, image_nonce = ?, updated_at = ? WHERE mls_group_id = ?`,
		hash, key, nonce, now, mlsGroupID)
	return err
}

func (s *Store) SetGroupImagePointer(ctx context.Context, mlsGroupID []byte, pointer string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_information SET image_pointer = ?, updated_at = ? WHERE mls_group_id = ?`, pointer, now, mlsGroupID)
	return err
}

func (s *Store) SetGroupState(ctx context.Context, mlsGroupID []byte, state GroupState, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_information SET state = ?, updated_at = ? WHERE mls_group_id = ?`, string(state), now, mlsGroupID)
	return err
}

var ErrGroupNotFound = errors.New("store: group not found")
