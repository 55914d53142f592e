package relay

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise-core/whitenoise/internal/testrelay"
)

func TestAddRelayIsIdempotent(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	require.True(t, c.AddRelay("wss://a.example"))
	require.False(t, c.AddRelay("wss://a.example"))
}

func TestRemoveRelayDropsIt(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	c.AddRelay("wss://a.example")
	c.RemoveRelay("wss://a.example")
	require.True(t, c.AddRelay("wss://a.example"), "after removal, adding again must report a fresh connection")
}

func TestSubscribeAndUnsubscribeTrackInstalledSubscriptions(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	c.Subscribe("sub1", nostrFilterAll(), nil)
	require.Contains(t, c.InstalledSubscriptions(), "sub1")

	c.Unsubscribe("sub1")
	require.NotContains(t, c.InstalledSubscriptions(), "sub1")
}

func TestResubscribingTheSameIDCancelsThePrevious(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	c.Subscribe("sub1", nostrFilterAll(), nil)
	c.Subscribe("sub1", nostrFilterAll(), nil)
	require.Len(t, c.InstalledSubscriptions(), 1)
}

func TestSubscriptionPrefixIsDeterministicAndSaltSensitive(t *testing.T) {
	salt := []byte("salt")
	p1 := SubscriptionPrefix(salt, "alice")
	p2 := SubscriptionPrefix(salt, "alice")
	require.Equal(t, p1, p2)
	require.Len(t, p1, 12)

	p3 := SubscriptionPrefix([]byte("other-salt"), "alice")
	require.NotEqual(t, p1, p3)
}

func TestPublishAndFetchAgainstAnEmbeddedRelay(t *testing.T) {
	tr, err := testrelay.Start()
	require.NoError(t, err)
	defer tr.Cleanup()

	c := New(zerolog.Nop(), nil)
	c.AddRelay(tr.URL)
	require.NoError(t, c.Connect(context.Background()))

	evt := signedTestEvent(t, 1, "hello world")
	results, err := c.Publish(context.Background(), evt, []string{tr.URL})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.FetchOne(ctx, nostrFilterKind(1), []string{tr.URL}, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, evt.ID, got.ID)
}

func TestPublishFailsWhenNoRelayAcknowledges(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	evt := signedTestEvent(t, 1, "hello")
	_, err := c.Publish(context.Background(), evt, []string{"ws://127.0.0.1:1"})
	require.Error(t, err)
}
