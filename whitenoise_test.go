package whitenoise

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whitenoise-core/whitenoise/internal/config"
	"github.com/whitenoise-core/whitenoise/internal/secretsvault"
	"github.com/whitenoise-core/whitenoise/internal/testrelay"
)

func newTestCore(t *testing.T, relayURL string) (*Core, *secretsvault.Vault) {
	t.Helper()
	return newTestCoreWithBlossom(t, relayURL, nil)
}

func newTestCoreWithBlossom(t *testing.T, relayURL string, blossomServers []string) (*Core, *secretsvault.Vault) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		DataDir:        dir,
		LogsDir:        filepath.Join(dir, "logs"),
		DefaultRelays:  []string{relayURL},
		BlossomServers: blossomServers,
		InboxTagExpiry: 30 * 24 * time.Hour,
	}
	vault, err := secretsvault.Open(filepath.Join(dir, "secrets.json"))
	require.NoError(t, err)

	c, err := Initialize(cfg, vault)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, vault
}

// blossomTestServer fakes a minimal Blossom blob store: PUT /upload stores
// the body keyed by its own SHA-256 hash, GET /<hash> serves it back — the
// client never sends the hash separately, a real Blossom server derives it
// from the ciphertext the same way.
func blossomTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	blobs := make(map[string][]byte)
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sum := sha256.Sum256(body)
		blobs[hex.EncodeToString(sum[:])] = body
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimPrefix(r.URL.Path, "/")
		data, ok := blobs[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitializeStartsWithNoAccounts(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	require.Empty(t, c.AccountPubkeys())
}

func TestCreateIdentityRegistersAndLogoutRemoves(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	ctx := context.Background()

	account, err := c.CreateIdentity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, account.Pubkey)
	require.Contains(t, c.AccountPubkeys(), account.Pubkey)

	require.NoError(t, c.Logout(ctx, account.Pubkey))
	require.NotContains(t, c.AccountPubkeys(), account.Pubkey)
}

func TestFollowAndUnfollowUser(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	ctx := context.Background()

	account, err := c.CreateIdentity(ctx)
	require.NoError(t, err)
	other, err := c.CreateIdentity(ctx)
	require.NoError(t, err)

	require.NoError(t, c.FollowUser(ctx, account.Pubkey, other.Pubkey))
	require.NoError(t, c.UnfollowUser(ctx, account.Pubkey, other.Pubkey))
}

func TestCreateGroupSendMessageAcceptWelcomeAndChatList(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	ctx := context.Background()

	alice, err := c.CreateIdentity(ctx)
	require.NoError(t, err)
	bob, err := c.CreateIdentity(ctx)
	require.NoError(t, err)

	group, err := c.CreateGroup(ctx, alice.Pubkey, []string{bob.Pubkey}, "study group", "just us", nil)
	require.NoError(t, err)
	require.Equal(t, "study group", group.Name)

	require.Eventually(t, func() bool {
		welcomes, err := c.PendingWelcomes(ctx, bob.Pubkey)
		return err == nil && len(welcomes) == 1
	}, 5*time.Second, 50*time.Millisecond)

	welcomes, err := c.PendingWelcomes(ctx, bob.Pubkey)
	require.NoError(t, err)
	require.Len(t, welcomes, 1)

	bobGroup, err := c.AcceptWelcome(ctx, bob.Pubkey, welcomes[0].ID)
	require.NoError(t, err)
	require.Equal(t, group.NostrGroupID, bobGroup.NostrGroupID)

	_, err = c.SendMessage(ctx, alice.Pubkey, group.MLSGroupID, 9, nil, "hello bob")
	require.NoError(t, err)

	chatList, err := c.GetChatList(ctx, alice.Pubkey)
	require.NoError(t, err)
	require.Len(t, chatList, 1)
	require.NotNil(t, chatList[0].LastMessage)
	require.Equal(t, "hello bob", chatList[0].LastMessage.Content)

	// Bob receives Alice's message through the router — not just Alice's
	// own local fold — proving the inbound "h" tag resolves to the same
	// group the outbound tag was published under.
	require.Eventually(t, func() bool {
		bobChatList, err := c.GetChatList(ctx, bob.Pubkey)
		return err == nil && len(bobChatList) == 1 && bobChatList[0].LastMessage != nil
	}, 5*time.Second, 50*time.Millisecond)

	bobChatList, err := c.GetChatList(ctx, bob.Pubkey)
	require.NoError(t, err)
	require.Equal(t, "hello bob", bobChatList[0].LastMessage.Content)
}

func TestDeclineWelcomeNeverInstallsGroupState(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	ctx := context.Background()

	alice, err := c.CreateIdentity(ctx)
	require.NoError(t, err)
	bob, err := c.CreateIdentity(ctx)
	require.NoError(t, err)

	_, err = c.CreateGroup(ctx, alice.Pubkey, []string{bob.Pubkey}, "group", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		welcomes, err := c.PendingWelcomes(ctx, bob.Pubkey)
		return err == nil && len(welcomes) == 1
	}, 5*time.Second, 50*time.Millisecond)

	welcomes, err := c.PendingWelcomes(ctx, bob.Pubkey)
	require.NoError(t, err)
	require.NoError(t, c.DeclineWelcome(ctx, welcomes[0].ID))

	chatList, err := c.GetChatList(ctx, bob.Pubkey)
	require.NoError(t, err)
	require.Empty(t, chatList)
}

func TestIsAccountOperationalAfterCreateIdentity(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	ctx := context.Background()

	account, err := c.CreateIdentity(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.IsAccountOperational(account.Pubkey)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDeleteAllDataClearsAccounts(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c, _ := newTestCore(t, tr.URL)
	ctx := context.Background()

	_, err = c.CreateIdentity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, c.AccountPubkeys())

	require.NoError(t, c.DeleteAllData(ctx))
	require.Empty(t, c.AccountPubkeys())
}

func TestUpdateGroupImageThenFetchGroupImage(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()
	blossom := blossomTestServer(t)

	c, _ := newTestCoreWithBlossom(t, tr.URL, []string{blossom.URL})
	ctx := context.Background()

	alice, err := c.CreateIdentity(ctx)
	require.NoError(t, err)
	group, err := c.CreateGroup(ctx, alice.Pubkey, nil, "solo", "", nil)
	require.NoError(t, err)

	require.NoError(t, c.UpdateGroupImage(ctx, alice.Pubkey, group.MLSGroupID, []byte("group avatar bytes")))

	got, err := c.FetchGroupImage(ctx, group.MLSGroupID)
	require.NoError(t, err)
	require.Equal(t, []byte("group avatar bytes"), got)
}
