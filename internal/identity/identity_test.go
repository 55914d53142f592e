package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/relay"
	"github.com/whitenoise-core/whitenoise/internal/secretsvault"
	"github.com/whitenoise-core/whitenoise/internal/store"
	"github.com/whitenoise-core/whitenoise/internal/testrelay"
)

func newTestManager(t *testing.T) (*Manager, []string) {
	t.Helper()

	tr, err := testrelay.Start()
	require.NoError(t, err)
	t.Cleanup(tr.Cleanup)

	st, err := store.Open(filepath.Join(t.TempDir(), "whitenoise.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clt := relay.New(zerolog.Nop(), nil)
	clt.AddRelay(tr.URL)
	require.NoError(t, clt.Connect(context.Background()))

	vault, err := secretsvault.Open(filepath.Join(t.TempDir(), "secrets.json"))
	require.NoError(t, err)

	mlsBase := t.TempDir()
	mls := mlsgroup.New(func(accountPubkeyHex string) string {
		return filepath.Join(mlsBase, accountPubkeyHex)
	})

	m := New(st, clt, mls, vault.GenerateIdentity, vault.Sign, []string{tr.URL}, func(accountPubkeyHex string) string {
		return filepath.Join(mlsBase, accountPubkeyHex)
	}, zerolog.Nop())
	return m, []string{tr.URL}
}

func TestCreateIdentityPersistsAccountAndKeyPackage(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, account.Pubkey)

	got, err := m.store.GetAccountByPubkey(ctx, account.Pubkey)
	require.NoError(t, err)
	require.Equal(t, account.Pubkey, got.Pubkey)

	_, ok, err := m.store.GetSetting(ctx, keyPackageEventIDSetting(account.Pubkey))
	require.NoError(t, err)
	require.True(t, ok, "create_identity must publish and record an initial key package")
}

func TestLoginIsIdempotentForAnExistingAccount(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)

	again, err := m.Login(ctx, account.Pubkey)
	require.NoError(t, err)
	require.Equal(t, account.ID, again.ID)
}

func TestLoginPersistsANewAccountNotSeenBefore(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	pub, err := m.keygen(ctx)
	require.NoError(t, err)

	account, err := m.Login(ctx, pub)
	require.NoError(t, err)
	require.Equal(t, pub, account.Pubkey)
}

func TestLogoutDeletesTheAccountRow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, account.Pubkey))
	_, err = m.store.GetAccountByPubkey(ctx, account.Pubkey)
	require.Error(t, err)
}

func TestFollowAndUnfollowUserRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)
	target, err := m.keygen(ctx)
	require.NoError(t, err)

	require.NoError(t, m.FollowUser(ctx, account.Pubkey, target))
	follows, err := m.FollowedPubkeys(ctx, account.Pubkey)
	require.NoError(t, err)
	require.Contains(t, follows, target)

	require.NoError(t, m.UnfollowUser(ctx, account.Pubkey, target))
	follows, err = m.FollowedPubkeys(ctx, account.Pubkey)
	require.NoError(t, err)
	require.NotContains(t, follows, target)
}

func TestReconcileFollowsReplacesTheFollowSetExactly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)

	oldFollow, err := m.keygen(ctx)
	require.NoError(t, err)
	require.NoError(t, m.FollowUser(ctx, account.Pubkey, oldFollow))

	newFollow, err := m.keygen(ctx)
	require.NoError(t, err)

	evt := nostrContactListEvent(account.Pubkey, newFollow)
	require.NoError(t, m.ReconcileFollows(ctx, account.Pubkey, evt))

	follows, err := m.FollowedPubkeys(ctx, account.Pubkey)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{newFollow}, follows)
}

func TestPublishRelayListRoundTrip(t *testing.T) {
	m, relays := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)

	require.NoError(t, m.PublishRelayList(ctx, account.Pubkey, store.RelayTypeNip65, relays))
	got, err := m.Nip65Relays(ctx, account.Pubkey)
	require.NoError(t, err)
	require.Equal(t, relays, got)
}

func TestPublishMetadataRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)

	require.NoError(t, m.PublishMetadata(ctx, account.Pubkey, store.Metadata{Name: "Alice", DisplayName: "Alice W"}))

	u, err := m.store.GetUserByPubkey(ctx, account.Pubkey)
	require.NoError(t, err)
	require.Equal(t, "Alice", u.Metadata.Name)
}

func TestRepublishKeyPackageReplacesThePreviousOne(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.CreateIdentity(ctx)
	require.NoError(t, err)

	firstID, ok, err := m.store.GetSetting(ctx, keyPackageEventIDSetting(account.Pubkey))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.RepublishKeyPackage(ctx, account.Pubkey))

	secondID, ok, err := m.store.GetSetting(ctx, keyPackageEventIDSetting(account.Pubkey))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, firstID, secondID)
}

func TestKeyPackageForIsStableAcrossCalls(t *testing.T) {
	m, _ := newTestManager(t)
	account, err := m.CreateIdentity(context.Background())
	require.NoError(t, err)

	kp1, err := m.KeyPackageFor(account.Pubkey)
	require.NoError(t, err)
	kp2, err := m.KeyPackageFor(account.Pubkey)
	require.NoError(t, err)
	require.Equal(t, kp1, kp2, "identity key material must persist across calls")
}

func TestGeneratePetnameProducesTwoCapitalizedWords(t *testing.T) {
	name, err := generatePetname()
	require.NoError(t, err)

	parts := splitPetname(name)
	require.Len(t, parts, 2)
	for _, p := range parts {
		require.NotEmpty(t, p)
		require.Equal(t, strings.ToUpper(string(p[0])), string(p[0]), "each word must start with an uppercase letter")
	}
}

func nostrContactListEvent(author, follow string) nostr.Event {
	return nostr.Event{
		Kind:   KindContactList,
		PubKey: author,
		Tags:   nostr.Tags{{"p", follow}},
	}
}

func splitPetname(name string) []string {
	var parts []string
	cur := ""
	for _, r := range name {
		if r == ' ' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	return parts
}
