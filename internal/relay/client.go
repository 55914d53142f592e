// Package relay implements the relay client (component G): a pool of
// outbound relay connections exposing add/remove/connect/subscribe/
// unsubscribe/publish/fetch, emitting inbound events on a single bounded
// channel into the router. Grounded on the teacher's
// nostr.go (pool.EnsureRelay/SubscribeMany/PublishMany/QuerySingle usage),
// generalized from per-feature TUI commands into a standalone component.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// InboundBufferSize is the bounded inbound channel depth (spec §5
// Backpressure: "Inbound event channel is bounded (500)").
const InboundBufferSize = 500

// InboundEvent is a relay-delivered event tagged with the subscription that
// produced it, so the router can resolve the owning account (spec §4.2).
type InboundEvent struct {
	Event          nostr.Event
	SubscriptionID string
	RelayURL       string
}

// Message is a raw relay-level notice, not attached to any subscription.
type Message struct {
	RelayURL string
	Text     string
}

// Processable is the tagged union the router consumes (spec §4.2:
// ProcessableEvent ∈ {NostrEvent, RelayMessage}). Exactly one field is set.
type Processable struct {
	Event   *InboundEvent
	Message *Message
}

// PublishResult is the per-relay outcome of a publish fan-out.
type PublishResult struct {
	RelayURL string
	Err      error
}

type subscription struct {
	cancel context.CancelFunc
	relays []string
	filter nostr.Filter
}

// Client wraps nostr.SimplePool with the subscription/publish surface spec
// §4.1 describes. It never inspects event content — format-transparent.
type Client struct {
	pool *nostr.SimplePool
	log  zerolog.Logger

	mu     sync.Mutex
	relays map[string]struct{}
	subs   map[string]*subscription

	out chan Processable
}

// New builds a Client. authHandler, when non-nil, answers relay AUTH
// challenges. The client takes no session salt: subscription_id minting
// belongs to the subscription orchestrator (I); the relay client only
// installs whatever filter it is given under whatever ID it is given.
func New(log zerolog.Logger, authHandler func(ctx context.Context, ie nostr.RelayEvent) error) *Client {
	opts := []nostr.SimplePoolOption{}
	if authHandler != nil {
		opts = append(opts, nostr.WithAuthHandler(authHandler))
	}
	return &Client{
		pool:   nostr.NewSimplePool(context.Background(), opts...),
		log:    log.With().Str("component", "relay").Logger(),
		relays: make(map[string]struct{}),
		subs:   make(map[string]*subscription),
		out:    make(chan Processable, InboundBufferSize),
	}
}

// Events is the single bounded channel inbound events emerge on (spec
// §4.1). This client only sends values with Event set; it never emits a
// Message.
func (c *Client) Events() <-chan Processable { return c.out }

// AddRelay registers url. Returns created=false if already known — an
// idempotent add makes no new connection (spec §4.1).
func (c *Client) AddRelay(url string) (created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.relays[url]; ok {
		return false
	}
	c.relays[url] = struct{}{}
	return true
}

func (c *Client) RemoveRelay(url string) {
	c.mu.Lock()
	delete(c.relays, url)
	c.mu.Unlock()
	c.pool.Relays.Delete(url)
}

// ConnectedRelays reports every relay URL this client has registered (and
// so has dialed or will lazily dial on next use), for the subscription
// orchestrator's operational checks (spec §4.3: "connected or connecting").
func (c *Client) ConnectedRelays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.relays))
	for u := range c.relays {
		out = append(out, u)
	}
	return out
}

// Connect eagerly dials every registered relay. Failures are logged, not
// fatal — the pool retries lazily on first use of a dead relay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	urls := make([]string, 0, len(c.relays))
	for u := range c.relays {
		urls = append(urls, u)
	}
	c.mu.Unlock()

	for _, u := range urls {
		if _, err := c.pool.EnsureRelay(u); err != nil {
			c.log.Warn().Err(err).Str("relay", u).Msg("connect failed, will retry lazily")
		}
	}
	return nil
}

// Subscribe installs a server-side filter on relays under the given id;
// matching inbound events are delivered on Events tagged with that id
// (spec §4.1). Callers that need the account-scoped ID convention (spec
// §4.2) must pass it in as id; the client does not mint IDs itself.
func (c *Client) Subscribe(id string, filter nostr.Filter, relays []string) {
	c.mu.Lock()
	if existing, ok := c.subs[id]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.subs[id] = &subscription{cancel: cancel, relays: relays, filter: filter}
	c.mu.Unlock()

	ch := c.pool.SubscribeMany(ctx, relays, filter)
	go func() {
		for re := range ch {
			select {
			case c.out <- Processable{Event: &InboundEvent{Event: *re.Event, SubscriptionID: id, RelayURL: re.Relay.URL}}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[id]; ok {
		s.cancel()
		delete(c.subs, id)
	}
}

// InstalledSubscriptions reports the currently active subscription IDs,
// used by the orchestrator's operational checks (spec §4.3).
func (c *Client) InstalledSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Publish fans evt out to relays concurrently. Success requires at least
// one relay to acknowledge (spec §4.1).
func (c *Client) Publish(ctx context.Context, evt nostr.Event, relays []string) ([]PublishResult, error) {
	results := make([]PublishResult, 0, len(relays))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var okCount int

	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := c.pool.EnsureRelay(url)
			if err == nil {
				err = r.Publish(ctx, evt)
			}
			mu.Lock()
			results = append(results, PublishResult{RelayURL: url, Err: err})
			if err == nil {
				okCount++
			}
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	if okCount == 0 {
		return results, fmt.Errorf("relay: publish %s: no relay acknowledged", evt.ID)
	}
	return results, nil
}

// Fetch runs a one-shot bounded query (spec §4.1).
func (c *Client) Fetch(ctx context.Context, filter nostr.Filter, relays []string, timeout time.Duration) ([]nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out []nostr.Event
	for ie := range c.pool.SubscribeMany(ctx, relays, filter) {
		out = append(out, *ie.Event)
	}
	return out, nil
}

// FetchOne is a convenience wrapper over Fetch for single-result lookups
// (profile metadata, relay lists, key packages) matching the teacher's
// pool.QuerySingle usage.
func (c *Client) FetchOne(ctx context.Context, filter nostr.Filter, relays []string, timeout time.Duration) (*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	re := c.pool.QuerySingle(ctx, relays, filter)
	if re == nil {
		return nil, nil
	}
	return re.Event, nil
}

// SubscriptionPrefix computes the 12-hex-char prefix used in account-scoped
// subscription IDs (spec §4.2): SHA256(session_salt || account_pubkey)[:6]
// rendered as hex.
func SubscriptionPrefix(sessionSalt []byte, accountPubkey string) string {
	h := sha256.Sum256(append(append([]byte{}, sessionSalt...), []byte(accountPubkey)...))
	return hex.EncodeToString(h[:6])
}
