package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

func fixedExporter(key []byte) Exporter {
	return func(accountPubkey string, mlsGroupID []byte, label string) ([]byte, error) {
		return key, nil
	}
}

func stubSigner(accountPubkey, hashHex string) (nostr.Event, error) {
	return nostr.Event{Kind: 24242, PubKey: accountPubkey, Content: hashHex}, nil
}

func newTestClient(t *testing.T, servers []string) *Client {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "whitenoise.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key := make([]byte, 32)
	cacheBase := t.TempDir()
	groupImagesDir := filepath.Join(t.TempDir(), "group_images")
	return New(servers, fixedExporter(key), stubSigner, st, func(groupHex string) string {
		return filepath.Join(cacheBase, groupHex)
	}, func() string { return groupImagesDir }, zerolog.Nop())
}

func blossomServer(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		received = body
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "blossom-url"})
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	srv, _ := blossomServer(t)
	c := newTestClient(t, []string{srv.URL})
	ctx := context.Background()
	groupID := []byte{1, 2, 3}

	result, err := c.Upload(ctx, "alice", groupID, []byte("plaintext content"), "text/plain")
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.NotEmpty(t, result.CiphertextHash)
	require.NotEmpty(t, result.Nonce)

	exists, err := c.store.HasMediaFile(ctx, groupID, result.CiphertextHash)
	require.NoError(t, err)
	require.True(t, exists)

	// Download hits the local cache first (the plaintext was just written there).
	got, err := c.Download(ctx, "alice", groupID, result.CiphertextHash, result.Nonce, srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("plaintext content"), got)
}

func TestUploadPicksFirstSucceedingServer(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	ok, _ := blossomServer(t)

	c := newTestClient(t, []string{failing.URL, ok.URL})
	result, err := c.Upload(context.Background(), "alice", []byte{9}, []byte("data"), "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, "blossom-url", result.URL)
}

func TestUploadFailsWhenEveryServerFails(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	c := newTestClient(t, []string{failing.URL})
	_, err := c.Upload(context.Background(), "alice", []byte{9}, []byte("data"), "application/octet-stream")
	require.Error(t, err)
}

func TestDownloadDetectsCiphertextTampering(t *testing.T) {
	tampered := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not the original ciphertext"))
	}))
	defer tampered.Close()

	c := newTestClient(t, []string{tampered.URL})
	_, err := c.Download(context.Background(), "alice", []byte{1}, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", "000000000000000000000000", tampered.URL)
	require.Error(t, err)
}

func TestFileMetadataEventBuildsExpectedTags(t *testing.T) {
	result := UploadResult{URL: "u", CiphertextHash: "h", Nonce: "n", MimeType: "image/png"}
	kind, tags, content := FileMetadataEvent(result, "a caption")

	require.Equal(t, KindFileMetadata, kind)
	require.Equal(t, "a caption", content)
	require.Contains(t, tags, []string{"m", "image/png"})
	require.Contains(t, tags, []string{"x", "h"})
	require.Contains(t, tags, []string{"n", "n"})
	require.Contains(t, tags, []string{"url", "u"})
}

func TestSanitizeFileStripsJPEGExif(t *testing.T) {
	// SOI, APP1 (EXIF) segment of length 6 carrying 4 bytes of payload, EOI.
	jpeg := []byte{
		0xFF, 0xD8, // SOI
		0xFF, 0xE1, 0x00, 0x06, 'E', 'X', 'I', 'F', // APP1, len=6 (incl len bytes), 4-byte payload
		0xFF, 0xD9, // EOI
	}
	out := sanitizeFile(jpeg, "image/jpeg")
	require.NotContains(t, string(out), "EXIF")
}

func TestSanitizeFileLeavesNonJPEGUntouched(t *testing.T) {
	data := []byte("plain text content")
	require.Equal(t, data, sanitizeFile(data, "text/plain"))
}

func TestUploadGroupImageThenDownloadRoundTrips(t *testing.T) {
	srv, _ := blossomServer(t)
	c := newTestClient(t, []string{srv.URL})
	ctx := context.Background()

	result, err := c.UploadGroupImage(ctx, "alice", []byte("an image"))
	require.NoError(t, err)
	require.NotEmpty(t, result.HashHex)
	require.NotEmpty(t, result.KeyHex)
	require.NotEmpty(t, result.NonceHex)
	require.Equal(t, "blossom-url", result.URL)

	// Hits the local group_images cache first (written during upload).
	got, err := c.DownloadGroupImage(ctx, result.HashHex, result.KeyHex, result.NonceHex, srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("an image"), got)
}

func TestUploadGroupImageUsesAFreshKeyEachTime(t *testing.T) {
	srv, _ := blossomServer(t)
	c := newTestClient(t, []string{srv.URL})
	ctx := context.Background()

	first, err := c.UploadGroupImage(ctx, "alice", []byte("same image bytes"))
	require.NoError(t, err)
	second, err := c.UploadGroupImage(ctx, "alice", []byte("same image bytes"))
	require.NoError(t, err)

	require.NotEqual(t, first.KeyHex, second.KeyHex, "each group image upload must mint a fresh AEAD key")
	require.NotEqual(t, first.HashHex, second.HashHex, "a fresh key/nonce must change the ciphertext hash")
}

func TestDownloadGroupImageDetectsCiphertextTampering(t *testing.T) {
	tampered := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not the original ciphertext"))
	}))
	defer tampered.Close()

	c := newTestClient(t, []string{tampered.URL})
	_, err := c.DownloadGroupImage(context.Background(),
		"deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		"00000000000000000000000000000000000000000000000000000000000000",
		"000000000000000000000000", tampered.URL)
	require.Error(t, err)
}
