package secretsvault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	ctx := context.Background()

	v1, err := Open(path)
	require.NoError(t, err)
	pub, err := v1.GenerateIdentity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pub)

	v2, err := Open(path)
	require.NoError(t, err)
	evt, err := v2.Sign(ctx, pub, nostr.Event{Kind: 1, Content: "hello"})
	require.NoError(t, err, "key generated by v1 must be usable after reopening the vault file")
	require.Equal(t, pub, evt.PubKey)
	require.True(t, evt.CheckSignature())
}

func TestImportIdentityReturnsMatchingPubkey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	v, err := Open(path)
	require.NoError(t, err)

	sk := nostr.GeneratePrivateKey()
	wantPub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	gotPub, err := v.ImportIdentity(context.Background(), sk)
	require.NoError(t, err)
	require.Equal(t, wantPub, gotPub)
}

func TestSignRejectsUnknownPubkey(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "secrets.json"))
	require.NoError(t, err)

	_, err = v.Sign(context.Background(), "deadbeef", nostr.Event{Kind: 1})
	require.Error(t, err)
}

func TestRemoveIdentityRevokesSigning(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "secrets.json"))
	require.NoError(t, err)
	ctx := context.Background()

	pub, err := v.GenerateIdentity(ctx)
	require.NoError(t, err)
	require.NoError(t, v.RemoveIdentity(ctx, pub))

	_, err = v.Sign(ctx, pub, nostr.Event{Kind: 1})
	require.Error(t, err)
}

func TestGiftWrapRoundTripsToRecipient(t *testing.T) {
	ctx := context.Background()
	alice, err := Open(filepath.Join(t.TempDir(), "alice.json"))
	require.NoError(t, err)
	bob, err := Open(filepath.Join(t.TempDir(), "bob.json"))
	require.NoError(t, err)

	alicePub, err := alice.GenerateIdentity(ctx)
	require.NoError(t, err)
	bobPub, err := bob.GenerateIdentity(ctx)
	require.NoError(t, err)

	rumor := nostr.Event{Kind: 1444, Content: `{"mls_group_id":"abc"}`}
	wrap, err := alice.GiftWrap(ctx, alicePub, bobPub, rumor)
	require.NoError(t, err)
	require.Equal(t, 1059, wrap.Kind)
	require.True(t, wrap.CheckSignature())
	require.NotEqual(t, alicePub, wrap.PubKey, "the wrap must be signed by a fresh ephemeral key, not the sender's real key")

	unwrapped, err := bob.GiftUnwrap(ctx, bobPub, wrap)
	require.NoError(t, err)
	require.Equal(t, rumor.Kind, unwrapped.Kind)
	require.Equal(t, rumor.Content, unwrapped.Content)
	require.Equal(t, alicePub, unwrapped.PubKey, "the unwrapped rumor must reveal the true sender")
}

func TestGiftUnwrapFailsForWrongRecipient(t *testing.T) {
	ctx := context.Background()
	alice, err := Open(filepath.Join(t.TempDir(), "alice.json"))
	require.NoError(t, err)
	bob, err := Open(filepath.Join(t.TempDir(), "bob.json"))
	require.NoError(t, err)
	mallory, err := Open(filepath.Join(t.TempDir(), "mallory.json"))
	require.NoError(t, err)

	alicePub, err := alice.GenerateIdentity(ctx)
	require.NoError(t, err)
	bobPub, err := bob.GenerateIdentity(ctx)
	require.NoError(t, err)
	malloryPub, err := mallory.GenerateIdentity(ctx)
	require.NoError(t, err)

	wrap, err := alice.GiftWrap(ctx, alicePub, bobPub, nostr.Event{Kind: 1444, Content: "secret"})
	require.NoError(t, err)

	_, err = mallory.GiftUnwrap(ctx, malloryPub, wrap)
	require.Error(t, err)
}
