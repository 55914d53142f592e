package aggregator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "whitenoise.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, NewStreams(), Config{NormalizeEmoji: true}, zerolog.Nop()), st
}

func TestProcessBaseMessagePublishesAndPersists(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()
	groupID := []byte{1, 2, 3}

	sub := a.streams.Subscribe(groupID)
	defer sub.Close()

	evt := nostr.Event{ID: "evt1", Kind: KindBaseMessage, PubKey: "alice", Content: "hello", CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, evt))

	update := <-sub.Updates
	require.Equal(t, TriggerNewMessage, update.Trigger)
	require.Equal(t, "evt1", update.Message.ID)

	snap, err := a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, "hello", snap[0].Content)
}

func TestReactionAppliesImmediatelyWhenTargetKnown(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()
	groupID := []byte{1}

	base := nostr.Event{ID: "base1", Kind: KindBaseMessage, PubKey: "alice", Content: "hi", CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, base))

	reaction := nostr.Event{
		ID: "react1", Kind: KindReaction, PubKey: "bob", Content: "+",
		Tags: nostr.Tags{{"e", "base1"}}, CreatedAt: nostr.Now(),
	}
	require.NoError(t, a.Process(ctx, groupID, reaction))

	snap, err := a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].Reactions.ByEmoji["👍"].Count)
}

func TestReactionQueuesWhenTargetUnknownThenResolvesOnArrival(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()
	groupID := []byte{1}

	reaction := nostr.Event{
		ID: "react1", Kind: KindReaction, PubKey: "bob", Content: "👍",
		Tags: nostr.Tags{{"e", "base1"}}, CreatedAt: nostr.Now(),
	}
	require.NoError(t, a.Process(ctx, groupID, reaction))

	snap, err := a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.Empty(t, snap, "the reaction's target hasn't arrived yet")

	base := nostr.Event{ID: "base1", Kind: KindBaseMessage, PubKey: "alice", Content: "hi", CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, base))

	snap, err = a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].Reactions.ByEmoji["👍"].Count)
}

func TestSecondReactionFromSameUserReplacesTheFirst(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()
	groupID := []byte{1}

	base := nostr.Event{ID: "base1", Kind: KindBaseMessage, PubKey: "alice", Content: "hi", CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, base))

	first := nostr.Event{ID: "r1", Kind: KindReaction, PubKey: "bob", Content: "+", Tags: nostr.Tags{{"e", "base1"}}, CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, first))
	second := nostr.Event{ID: "r2", Kind: KindReaction, PubKey: "bob", Content: "-", Tags: nostr.Tags{{"e", "base1"}}, CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, second))

	snap, err := a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, snap[0].Reactions.UserReactions, 1, "only one reaction per user survives")
	require.Equal(t, "👎", snap[0].Reactions.UserReactions[0].Emoji)
	require.Nil(t, snap[0].Reactions.ByEmoji["👍"])
}

func TestDeletionByOriginalAuthorMarksDeleted(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()
	groupID := []byte{1}

	base := nostr.Event{ID: "base1", Kind: KindBaseMessage, PubKey: "alice", Content: "hi", CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, base))

	del := nostr.Event{ID: "del1", Kind: KindDeletion, PubKey: "alice", Tags: nostr.Tags{{"e", "base1"}}, CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, del))

	snap, err := a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.True(t, snap[0].IsDeleted)
}

func TestDeletionByNonAuthorIsIgnored(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()
	groupID := []byte{1}

	base := nostr.Event{ID: "base1", Kind: KindBaseMessage, PubKey: "alice", Content: "hi", CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, base))

	del := nostr.Event{ID: "del1", Kind: KindDeletion, PubKey: "mallory", Tags: nostr.Tags{{"e", "base1"}}, CreatedAt: nostr.Now()}
	require.NoError(t, a.Process(ctx, groupID, del))

	snap, err := a.Snapshot(ctx, groupID)
	require.NoError(t, err)
	require.False(t, snap[0].IsDeleted)
}

func TestNormalizeReaction(t *testing.T) {
	got, err := NormalizeReaction("+", false)
	require.NoError(t, err)
	require.Equal(t, "👍", got)

	got, err = NormalizeReaction("-", false)
	require.NoError(t, err)
	require.Equal(t, "👎", got)

	_, err = NormalizeReaction("not an emoji", false)
	require.ErrorIs(t, err, ErrInvalidReaction)

	stripped, err := NormalizeReaction("😀\U0001F3FB", true)
	require.NoError(t, err)
	require.Equal(t, "😀", stripped)
}

func TestTokenizeSplitsPlainURLAndMention(t *testing.T) {
	tokens := Tokenize("check https://example.com and nostr:npub1abc123")
	require.Len(t, tokens, 4)
	require.Equal(t, TokenPlainText, tokens[0].Kind)
	require.Equal(t, TokenURL, tokens[1].Kind)
	require.Equal(t, "https://example.com", tokens[1].Value)
	require.Equal(t, TokenPlainText, tokens[2].Kind)
	require.Equal(t, TokenMention, tokens[3].Kind)
}

func TestTokenizeEmptyContentReturnsNil(t *testing.T) {
	require.Nil(t, Tokenize(""))
}
