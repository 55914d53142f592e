// Package whitenoise is the library API a host application embeds: secure
// group messaging over Nostr relays with MLS-based group keying (spec §1,
// §2). It wires together the relay client (G), event router (H),
// subscription orchestrator (I), group state machine (J), message
// aggregator (K) and media pipeline (L) behind the programmatic surface
// described in spec §6.
//
// Everything this package deliberately does not implement — the host UI,
// the relay/blob server implementations, the MLS cryptographic primitives,
// Nostr signing, and the key vault — is reached only through the
// SecretsStore contract (secrets.go) and the relays/blob servers named in
// Config.
package whitenoise

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whitenoise-core/whitenoise/internal/aggregator"
	"github.com/whitenoise-core/whitenoise/internal/config"
	"github.com/whitenoise-core/whitenoise/internal/identity"
	"github.com/whitenoise-core/whitenoise/internal/media"
	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/relay"
	"github.com/whitenoise-core/whitenoise/internal/router"
	"github.com/whitenoise-core/whitenoise/internal/store"
	"github.com/whitenoise-core/whitenoise/internal/subscribe"
	"github.com/whitenoise-core/whitenoise/internal/wnlog"
)

// numRouterShards is the number of router.Router instances the dispatcher
// fans inbound events across (spec §4.2/§5: "implementations may shard by
// account for parallelism").
const numRouterShards = 4

// Core is the running process: one Core per host process, holding zero or
// more logged-in accounts (spec §2's dataflow: G → H → {J, K, L, C, B, F}).
type Core struct {
	cfg     config.Config
	secrets SecretsStore
	log     zerolog.Logger

	store      *store.Store
	relayClt   *relay.Client
	mls        *mlsgroup.Engine
	identity   *identity.Manager
	streams    *aggregator.Streams
	aggregator *aggregator.Aggregator
	media      *media.Client
	subs       *subscribe.Orchestrator

	sessionSalt []byte
	routers     [numRouterShards]*router.Router

	accountsMu sync.Mutex
	accounts   map[string]bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// Initialize builds a Core from cfg and secrets, loads any accounts already
// on record, and starts the router shards, relay dispatcher, and
// subscription reconciliation loop (spec §6 initialize(config)).
func Initialize(cfg config.Config, secrets SecretsStore) (*Core, error) {
	log, err := wnlog.New(cfg.LogsDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("whitenoise: init logging: %w", err)
	}

	st, err := store.Open(cfg.SQLitePath(), log)
	if err != nil {
		return nil, fmt.Errorf("whitenoise: open store: %w", err)
	}

	relayClt := relay.New(log, nil)
	for _, r := range cfg.DefaultRelays {
		relayClt.AddRelay(r)
	}

	mls := mlsgroup.New(cfg.MLSDir)
	streams := aggregator.NewStreams()
	agg := aggregator.New(st, streams, aggregator.Config{NormalizeEmoji: true}, log)

	sessionSalt, err := router.NewSessionSalt()
	if err != nil {
		return nil, fmt.Errorf("whitenoise: session salt: %w", err)
	}

	idMgr := identity.New(st, relayClt, mls, secrets.GenerateIdentity, secrets.Sign, cfg.DefaultRelays, cfg.MLSDir, log)
	mediaClt := media.New(cfg.BlossomServers, mls.ExporterSecret, blossomSigner(secrets), st, cfg.MediaCacheDir, cfg.GroupImagesDir, log)
	subs := subscribe.New(relayClt, idMgr, sessionSalt, cfg.DefaultRelays, log)

	c := &Core{
		cfg: cfg, secrets: secrets, log: log,
		store: st, relayClt: relayClt, mls: mls, identity: idMgr,
		streams: streams, aggregator: agg, media: mediaClt, subs: subs,
		sessionSalt: sessionSalt,
		accounts:    make(map[string]bool),
	}

	existing, err := st.ListAccounts(context.Background())
	if err != nil {
		return nil, fmt.Errorf("whitenoise: list accounts: %w", err)
	}
	for _, a := range existing {
		c.accounts[a.Pubkey] = true
	}

	for i := range c.routers {
		c.routers[i] = router.New(router.Deps{
			Store:               st,
			Log:                 log,
			SessionSalt:         sessionSalt,
			AccountPubkeys:      c.AccountPubkeys,
			ProcessWelcome:      c.handleWelcome,
			DecryptGiftWrap:     c.decryptGiftWrap,
			RepublishKeyPackage: idMgr.RepublishKeyPackage,
			ProcessGroupMessage: c.processGroupMessage,
			UpdateMetadata:      idMgr.UpdateMetadata,
			UpdateRelayList:     idMgr.UpdateRelayList,
			ReconcileFollows:    idMgr.ReconcileFollows,
		})
	}

	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	if err := relayClt.Connect(c.runCtx); err != nil {
		return nil, fmt.Errorf("whitenoise: connect relays: %w", err)
	}
	for i := range c.routers {
		c.wg.Add(1)
		go func(r *router.Router) {
			defer c.wg.Done()
			r.Run(c.runCtx)
		}(c.routers[i])
	}
	c.wg.Add(1)
	go c.dispatchLoop()

	if err := c.EnsureAllSubscriptions(c.runCtx); err != nil {
		log.Warn().Err(err).Msg("initialize: initial subscription reconciliation failed")
	}

	return c, nil
}

// Shutdown propagates a single shutdown signal to the router shards and
// waits for them to drain (spec §5 Cancellation: "a single shutdown signal
// propagates to the router").
func (c *Core) Shutdown() {
	for _, r := range c.routers {
		r.Shutdown()
	}
	for _, r := range c.routers {
		<-r.Done()
	}
	c.runCancel()
	c.wg.Wait()
	if err := c.store.Close(); err != nil {
		c.log.Warn().Err(err).Msg("shutdown: store close failed")
	}
	if err := wnlog.Close(); err != nil {
		c.log.Warn().Err(err).Msg("shutdown: log close failed")
	}
}

// AccountPubkeys returns the pubkeys of accounts this process currently
// holds (spec §4.2's router.Deps.AccountPubkeys).
func (c *Core) AccountPubkeys() []string {
	c.accountsMu.Lock()
	defer c.accountsMu.Unlock()
	out := make([]string, 0, len(c.accounts))
	for pk := range c.accounts {
		out = append(out, pk)
	}
	return out
}

func (c *Core) registerAccount(pubkey string) {
	c.accountsMu.Lock()
	c.accounts[pubkey] = true
	c.accountsMu.Unlock()
}

func (c *Core) unregisterAccount(pubkey string) {
	c.accountsMu.Lock()
	delete(c.accounts, pubkey)
	c.accountsMu.Unlock()
}

// dispatchLoop reads every inbound Processable off the single relay client
// channel and hands it to the router shard owning its account (spec §4.2,
// §5: "the inbound channel spans accounts; implementations may shard by
// account for parallelism").
func (c *Core) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case p, ok := <-c.relayClt.Events():
			if !ok {
				return
			}
			shard := c.shardFor(p)
			select {
			case c.routers[shard].Inbound() <- p:
			case <-c.runCtx.Done():
				return
			}
		}
	}
}

// shardFor resolves p's owning account from its subscription ID (the same
// prefix scheme the router itself uses, spec §4.2) so all events for one
// account land on the same shard and preserve per-account ordering.
func (c *Core) shardFor(p relay.Processable) int {
	if p.Event == nil {
		return 0
	}
	prefix, _, ok := router.ParseSubID(p.Event.SubscriptionID)
	if !ok {
		return 0
	}
	pk, found := router.ResolveAccount(c.sessionSalt, prefix, c.AccountPubkeys())
	if !found {
		return 0
	}
	return router.ShardFor(&pk, numRouterShards)
}

// EnsureAllSubscriptions implements spec §6's ensure_all_subscriptions:
// reconciles every held account's subscription topology plus the batched
// global_users subscription against the relay client's installed set.
func (c *Core) EnsureAllSubscriptions(ctx context.Context) error {
	accounts := c.AccountPubkeys()
	return c.subs.EnsureAll(ctx, accounts)
}

// IsAccountOperational reports whether accountPubkey has at least two
// installed subscriptions and at least one of their relays registered with
// the relay client (spec §8 scenario 6).
func (c *Core) IsAccountOperational(accountPubkey string) bool {
	connected := make(map[string]bool)
	for _, url := range c.relayClt.ConnectedRelays() {
		connected[url] = true
	}
	return c.subs.IsAccountOperational(accountPubkey, connected)
}

// DeleteAllData implements spec §6's delete_all_data: wipes the SQLite
// store. MLS per-account directories and media/group-image caches on disk
// are a host/filesystem concern left for the caller, consistent with
// logout's treatment of the MLS store (spec §3 Lifecycle).
func (c *Core) DeleteAllData(ctx context.Context) error {
	c.accountsMu.Lock()
	c.accounts = make(map[string]bool)
	c.accountsMu.Unlock()
	return c.store.DeleteAllData(ctx)
}
