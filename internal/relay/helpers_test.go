package relay

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func nostrFilterAll() nostr.Filter {
	return nostr.Filter{}
}

func nostrFilterKind(kind int) nostr.Filter {
	return nostr.Filter{Kinds: []int{kind}}
}

func signedTestEvent(t *testing.T, kind int, content string) nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	evt := nostr.Event{Kind: kind, PubKey: pub, CreatedAt: nostr.Now(), Content: content}
	require.NoError(t, evt.Sign(sk))
	return evt
}
