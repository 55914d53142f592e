// Package router implements the event router & processor (component H):
// classification, dedup, dispatch by kind, and exponential-backoff retry of
// inbound relay events, serialized per account (spec §4.2).
package router

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/whitenoise-core/whitenoise/internal/relay"
	"github.com/whitenoise-core/whitenoise/internal/store"
	"github.com/whitenoise-core/whitenoise/internal/wnerr"
)

// Kinds the router dispatches on (spec §6).
const (
	KindMetadata         = 0
	KindContactList      = 3
	KindRelayList        = 10002
	KindInboxRelays      = 10050
	KindKeyPackageRelays = 10051
	KindGiftWrap         = 1059
	KindGroupMessage     = 444
)

// MaxAttempts is the default retry ceiling (spec §4.2).
const MaxAttempts = 4

// Deps wires the router to the rest of the system via plain functions
// rather than interfaces, so router has no import-time dependency on
// mlsgroup/aggregator/identity — those packages are wired together by the
// root API at startup.
type Deps struct {
	Store       *store.Store
	Log         zerolog.Logger
	SessionSalt []byte

	// AccountPubkeys returns the accounts currently held, for subscription
	// ID resolution (spec §4.2).
	AccountPubkeys func() []string

	// ProcessWelcome handles a decrypted gift-wrap rumor whose kind is
	// MlsWelcome (spec §4.2 step 4, GiftWrap case).
	ProcessWelcome func(ctx context.Context, accountPubkey string, wrapperEventID string, rumor nostr.Event) error

	// DecryptGiftWrap decrypts a kind-1059 event addressed to
	// accountPubkey and returns the inner rumor.
	DecryptGiftWrap func(ctx context.Context, accountPubkey string, wrapped nostr.Event) (nostr.Event, error)

	// RepublishKeyPackage deletes the consumed key package and publishes a
	// fresh one, per spec §4.2's GiftWrap/welcome handling.
	RepublishKeyPackage func(ctx context.Context, accountPubkey string) error

	// ProcessGroupMessage decrypts and folds a kind-444 MLS group message
	// via the group state machine and aggregator (spec §4.2 MlsGroupMessage case).
	ProcessGroupMessage func(ctx context.Context, accountPubkey string, evt nostr.Event) error

	// UpdateMetadata applies a kind-0 profile snapshot.
	UpdateMetadata func(ctx context.Context, evt nostr.Event) error

	// UpdateRelayList applies a kind-10002/10050/10051 relay-list event.
	UpdateRelayList func(ctx context.Context, kind int, evt nostr.Event) error

	// ReconcileFollows applies a kind-3 contact list under the per-account
	// semaphore (spec §5 "contact_list_guards").
	ReconcileFollows func(ctx context.Context, accountPubkey string, evt nostr.Event) error
}

type retryItem struct {
	ev      relay.InboundEvent
	account *string
	attempt int
}

// Router processes one shard's worth of inbound events, single-threaded,
// preserving per-account ordering within the shard (spec §4.2).
type Router struct {
	deps     Deps
	in       chan relay.Processable
	retry    chan retryItem
	shutdown chan struct{}
	done     chan struct{}
	log      zerolog.Logger
}

// New creates a Router shard with its own bounded inbound channel.
func New(deps Deps) *Router {
	return &Router{
		deps:     deps,
		in:       make(chan relay.Processable, relay.InboundBufferSize),
		retry:    make(chan retryItem, relay.InboundBufferSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		log:      deps.Log.With().Str("component", "router").Logger(),
	}
}

// Inbound exposes the shard's input channel for a dispatcher to feed.
func (r *Router) Inbound() chan<- relay.Processable { return r.in }

// Shutdown signals the router to stop accepting new work once the inbound
// and retry channels are drained (spec §4.2 Shutdown).
func (r *Router) Shutdown() {
	close(r.shutdown)
}

// Done is closed once the router has fully drained and exited.
func (r *Router) Done() <-chan struct{} { return r.done }

// Run is the router's main loop. It exits only after both the shutdown
// signal has been received and both channels are exhausted: after the
// signal it keeps reading the inbound channel until it is empty.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	shuttingDown := false
	in := r.in
	shutdown := r.shutdown
	for {
		if shuttingDown && (in == nil || len(in) == 0) && len(r.retry) == 0 {
			return
		}
		select {
		case p, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			r.handle(ctx, p)
		case item := <-r.retry:
			r.process(ctx, item.ev, item.account, item.attempt)
		case <-shutdown:
			shuttingDown = true
			shutdown = nil
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) handle(ctx context.Context, p relay.Processable) {
	if p.Message != nil {
		r.log.Debug().Str("relay", p.Message.RelayURL).Str("text", p.Message.Text).Msg("relay message")
		return
	}
	if p.Event == nil {
		return
	}
	account := r.resolveAccount(p.Event.SubscriptionID)
	r.process(ctx, *p.Event, account, 0)
}

// resolveAccount implements spec §4.2's classification step 1.
func (r *Router) resolveAccount(subID string) *string {
	prefix, _, ok := ParseSubID(subID)
	if !ok {
		return nil
	}
	candidates := r.deps.AccountPubkeys()
	pk, found := ResolveAccount(r.deps.SessionSalt, prefix, candidates)
	if !found {
		r.log.Debug().Str("sub_id", subID).Msg("subscription prefix does not resolve to any known account, dropping")
		return nil
	}
	return &pk
}

func (r *Router) process(ctx context.Context, ev relay.InboundEvent, account *string, attempt int) {
	evt := ev.Event

	processed, err := r.deps.Store.IsProcessed(ctx, evt.ID, account)
	if err != nil {
		r.log.Error().Err(err).Msg("IsProcessed query failed")
		return
	}
	if processed {
		return
	}

	// Step 3: drop our own echoes, except welcome/group-message kinds which
	// must always be processed (spec §4.2).
	if account != nil && evt.Kind != KindGiftWrap && evt.Kind != KindGroupMessage {
		published, err := r.deps.Store.IsPublished(ctx, evt.ID, *account)
		if err != nil {
			r.log.Error().Err(err).Msg("IsPublished query failed")
			return
		}
		if published {
			return
		}
	}

	if err := r.dispatch(ctx, evt, account); err != nil {
		r.onError(ctx, ev, account, attempt, err)
		return
	}

	var createdAt *int64
	var kind *int
	ts := int64(evt.CreatedAt)
	k := evt.Kind
	createdAt, kind = &ts, &k
	now := time.Now().UnixMilli()
	if err := r.deps.Store.MarkProcessed(ctx, evt.ID, account, createdAt, kind, now); err != nil {
		r.log.Error().Err(err).Msg("MarkProcessed failed")
	}
}

func (r *Router) dispatch(ctx context.Context, evt nostr.Event, account *string) error {
	switch evt.Kind {
	case KindGiftWrap:
		return r.handleGiftWrap(ctx, evt, account)
	case KindGroupMessage:
		if account == nil {
			return wnerr.New(wnerr.Protocol, "router.group_message", fmt.Errorf("no owning account"))
		}
		return r.deps.ProcessGroupMessage(ctx, *account, evt)
	case KindMetadata:
		return r.deps.UpdateMetadata(ctx, evt)
	case KindRelayList, KindInboxRelays, KindKeyPackageRelays:
		return r.deps.UpdateRelayList(ctx, evt.Kind, evt)
	case KindContactList:
		if account == nil {
			return wnerr.New(wnerr.Protocol, "router.contact_list", fmt.Errorf("no owning account"))
		}
		return r.deps.ReconcileFollows(ctx, *account, evt)
	default:
		r.log.Debug().Int("kind", evt.Kind).Msg("unknown kind, ignoring")
		return nil
	}
}

func (r *Router) handleGiftWrap(ctx context.Context, evt nostr.Event, account *string) error {
	if account == nil {
		return wnerr.New(wnerr.Protocol, "router.giftwrap", fmt.Errorf("no owning account"))
	}
	pTag := ""
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			pTag = tag[1]
			break
		}
	}
	if pTag != *account {
		return wnerr.New(wnerr.InvalidInput, "router.giftwrap", fmt.Errorf("p tag does not match account"))
	}

	rumor, err := r.deps.DecryptGiftWrap(ctx, *account, evt)
	if err != nil {
		return wnerr.New(wnerr.Protocol, "router.giftwrap.decrypt", err)
	}

	if !isMlsWelcomeRumor(rumor) {
		r.log.Debug().Int("kind", rumor.Kind).Msg("gift-wrapped rumor is not a welcome, dropping (extension point)")
		return nil
	}

	if err := r.deps.ProcessWelcome(ctx, *account, evt.ID, rumor); err != nil {
		return err
	}
	return r.deps.RepublishKeyPackage(ctx, *account)
}

// WelcomeRumorKind tags the inner rumor of a gift-wrapped MlsWelcome (spec
// §4.2: "If the inner rumor is MlsWelcome..."). It never appears outside a
// gift wrap's decrypted content, so it does not need a NIP-assigned kind
// number the way the wire kinds in the external-interfaces table do.
const WelcomeRumorKind = 1440

func isMlsWelcomeRumor(rumor nostr.Event) bool {
	return rumor.Kind == WelcomeRumorKind
}

func (r *Router) onError(ctx context.Context, ev relay.InboundEvent, account *string, attempt int, cause error) {
	if !wnerr.IsRetryable(cause) {
		r.log.Error().Err(cause).Str("event_id", ev.Event.ID).Msg("non-retryable error, giving up")
		return
	}
	if attempt+1 >= MaxAttempts {
		r.log.Error().Err(cause).Str("event_id", ev.Event.ID).Int("attempts", attempt+1).Msg("max retry attempts exhausted, giving up")
		return
	}

	delay := backoffDelay(attempt)
	r.log.Warn().Err(cause).Str("event_id", ev.Event.ID).Int("attempt", attempt+1).Dur("delay", delay).Msg("scheduling retry")
	item := retryItem{ev: ev, account: account, attempt: attempt + 1}
	time.AfterFunc(delay, func() {
		select {
		case r.retry <- item:
		case <-ctx.Done():
		}
	})
}

// backoffDelay computes the base-500ms, factor-2, ±20%-jitter delay for a
// given (zero-indexed) attempt number (spec §4.2).
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ShardFor picks a deterministic shard index for accountPubkey (or for
// global events, shard 0), letting callers parallelize across Router
// instances while keeping per-account ordering serial (spec §4.2, §5).
func ShardFor(accountPubkey *string, numShards int) int {
	if accountPubkey == nil || numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(*accountPubkey))
	return int(h.Sum32()) % numShards
}

// NewSessionSalt generates a fresh per-process subscription-ID salt (spec
// §4.2).
func NewSessionSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(salt)
	return sum[:], nil
}
