package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// UpsertMediaFile records that fileHash is cached/known for (group, account),
// implementing the skip-if-exists dedup step in the media pipeline (spec §4.6).
func (s *Store) UpsertMediaFile(ctx context.Context, m MediaFile, now int64) error {
	metaJSON, err := json.Marshal(m.FileMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO media_files (mls_group_id, account_pubkey, file_hash, created_at, file_metadata_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(mls_group_id, file_hash) DO UPDATE SET file_metadata_json = excluded.file_metadata_json`,
		m.MLSGroupID, m.AccountPubkey, m.FileHash, now, string(metaJSON))
	return err
}

// HasMediaFile reports whether fileHash is already known within the group,
// letting callers skip re-uploading identical ciphertext.
func (s *Store) HasMediaFile(ctx context.Context, mlsGroupID []byte, fileHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM media_files WHERE mls_group_id = ? AND file_hash = ?`, mlsGroupID, fileHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) GetMediaFile(ctx context.Context, mlsGroupID []byte, fileHash string) (MediaFile, error) {
	var m MediaFile
	var createdAt int64
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT mls_group_id, account_pubkey, file_hash, created_at, file_metadata_json FROM media_files WHERE mls_group_id = ? AND file_hash = ?`,
		mlsGroupID, fileHash).Scan(&m.MLSGroupID, &m.AccountPubkey, &m.FileHash, &createdAt, &metaJSON)
	if err != nil {
		return MediaFile{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &m.FileMetadata)
	}
	return m, nil
}

// ListMediaFiles returns every media file bookkept for a group, oldest
// first.
func (s *Store) ListMediaFiles(ctx context.Context, mlsGroupID []byte) ([]MediaFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mls_group_id, account_pubkey, file_hash, created_at, file_metadata_json FROM media_files WHERE mls_group_id = ? ORDER BY created_at ASC`,
		mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MediaFile
	for rows.Next() {
		var m MediaFile
		var createdAt int64
		var metaJSON sql.NullString
		if err := rows.Scan(&m.MLSGroupID, &m.AccountPubkey, &m.FileHash, &createdAt, &metaJSON); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(createdAt)
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.FileMetadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMediaFile(ctx context.Context, mlsGroupID []byte, fileHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE mls_group_id = ? AND file_hash = ?`, mlsGroupID, fileHash)
	return err
}
