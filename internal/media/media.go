// Package media implements the media pipeline (component L, spec §4.6):
// sanitize → encrypt → dedup → upload to a Blossom blob server → local
// plaintext cache → MediaFile bookkeeping → FileMetadata event, and the
// symmetric download path. Grounded on the teacher's blossom.go
// (buildBlossomAuthEvent / blossomUploadCmd), generalized from a one-shot
// Bubble Tea command into a standalone client with its own retry policy.
package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

// KindFileMetadata is the MLS application event kind media uploads publish
// (spec §6 external-interfaces table lists it by name, "FileMetadata", not
// a wire number — like router.WelcomeRumorKind, it only ever appears inside
// MLS-wrapped ciphertext, never directly on the wire, so we mirror NIP-94's
// real-world "file metadata" kind number for familiarity rather than
// inventing an arbitrary one).
const KindFileMetadata = 1063

// MaxAttempts/BaseDelay are media's own retry policy, distinct from the
// router's (spec §4.6 failure semantics, SPEC_FULL.md retry config).
const (
	MaxAttempts = 4
	BaseDelay   = 1 * time.Second
)

// Exporter derives a context-bound AEAD key from a group's current MLS
// epoch secret (internal/mlsgroup.Engine.ExporterSecret).
type Exporter func(accountPubkey string, mlsGroupID []byte, label string) ([]byte, error)

// Signer produces a signed kind-24242 Blossom auth event for accountPubkey
// authorizing an upload of the given SHA-256 hash.
type Signer func(accountPubkey string, hashHex string) (nostr.Event, error)

// Client implements upload/download per spec §4.6.
type Client struct {
	servers     []string
	http        *http.Client
	exporter    Exporter
	signer      Signer
	store       *store.Store
	mediaCache  func(mlsGroupIDHex string) string
	groupImages func() string
	log         zerolog.Logger
}

// New builds a media Client. mediaCacheDir should match
// internal/config.Config.MediaCacheDir, groupImagesDir should match
// internal/config.Config.GroupImagesDir.
func New(servers []string, exporter Exporter, signer Signer, st *store.Store, mediaCacheDir func(string) string, groupImagesDir func() string, log zerolog.Logger) *Client {
	return &Client{
		servers:     servers,
		http:        &http.Client{Timeout: 30 * time.Second},
		exporter:    exporter,
		signer:      signer,
		store:       st,
		mediaCache:  mediaCacheDir,
		groupImages: groupImagesDir,
		log:         log.With().Str("component", "media").Logger(),
	}
}

// UploadResult is what Upload yields: enough to build the FileMetadata
// event tags (spec §4.6 step 8).
type UploadResult struct {
	URL            string
	CiphertextHash string // hex
	Nonce          string // hex
	MimeType       string
	Skipped        bool // true if the ciphertext already existed for this group
}

// sanitizeFile strips metadata known to leak PII (spec §4.6 step 1). This
// core only strips EXIF-bearing JPEG APP1 segments — a conservative subset
// that covers the common PII leak (GPS location, device info) without
// needing an image-decoding dependency nowhere in the pack.
func sanitizeFile(data []byte, mimeType string) []byte {
	if mimeType != "image/jpeg" {
		return data
	}
	return stripJPEGExif(data)
}

// stripJPEGExif removes APP1 (0xFFE1) segments, which carry EXIF data,
// from a JPEG byte stream. Malformed input is returned unchanged rather
// than rejected — sanitization is best-effort, not a validator.
func stripJPEGExif(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return data
	}
	var out bytes.Buffer
	out.Write(data[:2])
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			out.Write(data[i:])
			return out.Bytes()
		}
		marker := data[i+1]
		if marker == 0xD8 || marker == 0xD9 || (marker >= 0xD0 && marker <= 0xD7) {
			out.Write(data[i : i+2])
			i += 2
			continue
		}
		if i+4 > len(data) {
			break
		}
		segLen := int(data[i+2])<<8 | int(data[i+3])
		segEnd := i + 2 + segLen
		if segEnd > len(data) {
			out.Write(data[i:])
			return out.Bytes()
		}
		if marker == 0xE1 {
			i = segEnd // drop the APP1 segment
			continue
		}
		out.Write(data[i:segEnd])
		if marker == 0xDA { // start of scan: rest is entropy-coded image data
			out.Write(data[segEnd:])
			return out.Bytes()
		}
		i = segEnd
	}
	return out.Bytes()
}

// Upload implements spec §4.6's upload flow.
func (c *Client) Upload(ctx context.Context, accountPubkey string, mlsGroupID []byte, plaintext []byte, mimeType string) (UploadResult, error) {
	sanitized := sanitizeFile(plaintext, mimeType)

	key, err := c.exporter(accountPubkey, mlsGroupID, "whitenoise-media-aead")
	if err != nil {
		return UploadResult{}, fmt.Errorf("media: derive key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return UploadResult{}, fmt.Errorf("media: generate nonce: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return UploadResult{}, fmt.Errorf("media: init aead: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, sanitized, nil)

	hash := sha256.Sum256(ciphertext)
	hashHex := hex.EncodeToString(hash[:])

	exists, err := c.store.HasMediaFile(ctx, mlsGroupID, hashHex)
	if err != nil {
		return UploadResult{}, fmt.Errorf("media: check existing: %w", err)
	}
	if exists {
		return UploadResult{CiphertextHash: hashHex, Nonce: hex.EncodeToString(nonce), MimeType: mimeType, Skipped: true}, nil
	}

	url, err := c.uploadWithRetry(ctx, accountPubkey, ciphertext, hashHex, mimeType)
	if err != nil {
		return UploadResult{}, err
	}

	cachePath := filepath.Join(c.mediaCache(fmt.Sprintf("%x", mlsGroupID)), hashHex)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		return UploadResult{}, fmt.Errorf("media: mkdir cache: %w", err)
	}
	if err := os.WriteFile(cachePath, sanitized, 0o600); err != nil {
		return UploadResult{}, fmt.Errorf("media: write cache: %w", err)
	}

	now := time.Now().UnixMilli()
	if err := c.store.UpsertMediaFile(ctx, store.MediaFile{
		MLSGroupID: mlsGroupID, AccountPubkey: accountPubkey, FileHash: hashHex,
		FileMetadata: map[string]string{"mime_type": mimeType, "url": url},
	}, now); err != nil {
		return UploadResult{}, fmt.Errorf("media: record media file: %w", err)
	}

	return UploadResult{URL: url, CiphertextHash: hashHex, Nonce: hex.EncodeToString(nonce), MimeType: mimeType}, nil
}

// FileMetadataEvent builds the kind-FileMetadata application event content
// the caller publishes into the group (spec §4.6 step 8).
func FileMetadataEvent(result UploadResult, caption string) (kind int, tags [][]string, content string) {
	tags = [][]string{
		{"m", result.MimeType},
		{"x", result.CiphertextHash},
		{"n", result.Nonce},
		{"url", result.URL},
	}
	return KindFileMetadata, tags, caption
}

func (c *Client) uploadWithRetry(ctx context.Context, accountPubkey string, ciphertext []byte, hashHex, mimeType string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BaseDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		url, err := c.uploadOnce(ctx, accountPubkey, ciphertext, hashHex, mimeType)
		if err == nil {
			return url, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("media upload attempt failed")
	}
	return "", fmt.Errorf("media: upload failed after %d attempts: %w", MaxAttempts, lastErr)
}

func (c *Client) uploadOnce(ctx context.Context, accountPubkey string, ciphertext []byte, hashHex, mimeType string) (string, error) {
	authEvt, err := c.signer(accountPubkey, hashHex)
	if err != nil {
		return "", fmt.Errorf("media: sign auth event: %w", err)
	}
	authJSON, err := json.Marshal(authEvt)
	if err != nil {
		return "", fmt.Errorf("media: marshal auth event: %w", err)
	}
	authHeader := "Nostr " + base64.StdEncoding.EncodeToString(authJSON)

	type result struct {
		url string
		err error
	}
	results := make(chan result, len(c.servers))
	for _, server := range c.servers {
		go func(server string) {
			url, err := c.putOne(ctx, server, ciphertext, mimeType, authHeader, hashHex)
			results <- result{url: url, err: err}
		}(server)
	}

	var firstURL string
	var errs []string
	for range c.servers {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err.Error())
			continue
		}
		if firstURL == "" {
			firstURL = r.url
		}
	}
	if firstURL == "" {
		return "", fmt.Errorf("all blossom servers failed: %s", strings.Join(errs, "; "))
	}
	return firstURL, nil
}

func (c *Client) putOne(ctx context.Context, server string, data []byte, mimeType, authHeader, hashHex string) (string, error) {
	uploadURL := strings.TrimRight(server, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%s: HTTP %d: %s", server, resp.StatusCode, string(body))
	}

	var respData struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &respData); err != nil || respData.URL == "" {
		respData.URL = strings.TrimRight(server, "/") + "/" + hashHex
	}
	return respData.URL, nil
}

// Download implements spec §4.6's download path: return the cached
// plaintext if present; otherwise fetch the ciphertext from serverURL by its
// SHA-256 hash, verify that hash, decrypt, then cache and record the file.
func (c *Client) Download(ctx context.Context, accountPubkey string, mlsGroupID []byte, ciphertextHash, nonceHex, serverURL string) ([]byte, error) {
	cachePath := filepath.Join(c.mediaCache(fmt.Sprintf("%x", mlsGroupID)), ciphertextHash)
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, nil
	}

	ciphertext, err := c.downloadWithRetry(ctx, serverURL, ciphertextHash)
	if err != nil {
		return nil, err
	}

	got := sha256.Sum256(ciphertext)
	if hex.EncodeToString(got[:]) != ciphertextHash {
		return nil, fmt.Errorf("media: ciphertext hash mismatch for %s", ciphertextHash)
	}

	key, err := c.exporter(accountPubkey, mlsGroupID, "whitenoise-media-aead")
	if err != nil {
		return nil, fmt.Errorf("media: derive key: %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("media: decode nonce: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("media: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("media: decrypt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		return nil, fmt.Errorf("media: mkdir cache: %w", err)
	}
	if err := os.WriteFile(cachePath, plaintext, 0o600); err != nil {
		return nil, fmt.Errorf("media: write cache: %w", err)
	}
	now := time.Now().UnixMilli()
	if err := c.store.UpsertMediaFile(ctx, store.MediaFile{
		MLSGroupID: mlsGroupID, AccountPubkey: accountPubkey, FileHash: ciphertextHash,
	}, now); err != nil {
		return nil, fmt.Errorf("media: record media file: %w", err)
	}
	return plaintext, nil
}

// GroupImageResult is what UploadGroupImage yields: enough for
// update_group_data's imageHash/imageKey/imageNonce fields plus the blob
// server URL the ciphertext now lives at (spec §4.4 Image update).
type GroupImageResult struct {
	URL      string
	HashHex  string
	KeyHex   string
	NonceHex string
}

// UploadGroupImage implements spec §4.4's group image update: unlike
// Upload, the AEAD key is a fresh random value rather than derived from
// the group's MLS exporter secret, because the key itself travels inside
// the group's MLS-sealed update_group_data commit rather than being
// re-derivable by every member from shared epoch state.
func (c *Client) UploadGroupImage(ctx context.Context, accountPubkey string, plaintext []byte) (GroupImageResult, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return GroupImageResult{}, fmt.Errorf("media: generate image key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return GroupImageResult{}, fmt.Errorf("media: generate image nonce: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return GroupImageResult{}, fmt.Errorf("media: init aead: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	hash := sha256.Sum256(ciphertext)
	hashHex := hex.EncodeToString(hash[:])

	url, err := c.uploadWithRetry(ctx, accountPubkey, ciphertext, hashHex, "image/jpeg")
	if err != nil {
		return GroupImageResult{}, err
	}

	cachePath := filepath.Join(c.groupImages(), hashHex)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		return GroupImageResult{}, fmt.Errorf("media: mkdir group image cache: %w", err)
	}
	if err := os.WriteFile(cachePath, plaintext, 0o600); err != nil {
		return GroupImageResult{}, fmt.Errorf("media: write group image cache: %w", err)
	}

	return GroupImageResult{
		URL: url, HashHex: hashHex,
		KeyHex: hex.EncodeToString(key), NonceHex: hex.EncodeToString(nonce),
	}, nil
}

// DownloadGroupImage implements spec §4.4's image fetch path: local
// group_images cache first, otherwise fetch + verify + decrypt + cache.
func (c *Client) DownloadGroupImage(ctx context.Context, hashHex, keyHex, nonceHex, serverURL string) ([]byte, error) {
	cachePath := filepath.Join(c.groupImages(), hashHex)
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, nil
	}

	ciphertext, err := c.downloadWithRetry(ctx, serverURL, hashHex)
	if err != nil {
		return nil, err
	}
	got := sha256.Sum256(ciphertext)
	if hex.EncodeToString(got[:]) != hashHex {
		return nil, fmt.Errorf("media: group image ciphertext hash mismatch for %s", hashHex)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("media: decode image key: %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("media: decode image nonce: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("media: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("media: decrypt group image: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		return nil, fmt.Errorf("media: mkdir group image cache: %w", err)
	}
	if err := os.WriteFile(cachePath, plaintext, 0o600); err != nil {
		return nil, fmt.Errorf("media: write group image cache: %w", err)
	}
	return plaintext, nil
}

func (c *Client) downloadWithRetry(ctx context.Context, serverURL, hashHex string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BaseDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, err := c.getOne(ctx, serverURL, hashHex)
		if err == nil {
			return data, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("media download attempt failed")
	}
	return nil, fmt.Errorf("media: download failed after %d attempts: %w", MaxAttempts, lastErr)
}

func (c *Client) getOne(ctx context.Context, serverURL, hashHex string) ([]byte, error) {
	getURL := strings.TrimRight(serverURL, "/") + "/" + hashHex
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, getURL)
	}
	return io.ReadAll(resp.Body)
}
