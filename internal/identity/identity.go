// Package identity implements the identity and relay orchestration layer
// (spec §1's second core bullet): account lifecycle (create_identity,
// login, logout), relay-list discovery and publication, key-package
// publication, and follow-list management. Grounded on
// original_source/src/whitenoise/accounts/core.rs and accounts.rs, and
// generalized from the teacher's per-feature nostr.go publish commands
// (publishProfileCmd, publishDMRelaysCmd, resolveNIP05Cmd) into a
// standalone component the root API wires against the store, relay
// client, and MLS engine.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/relay"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// Wire kinds this package consumes/produces (spec §6).
const (
	KindMetadata         = 0
	KindContactList      = 3
	KindKeyPackage       = 443
	KindRelayList        = 10002
	KindInboxRelays      = 10050
	KindKeyPackageRelays = 10051
)

// fetchTimeout bounds the one-shot relay-list/key-package discovery
// queries issued during create_identity/login (spec §5: "default timeout
// 10s for point queries").
const fetchTimeout = 10 * time.Second

// KeyGenerator mints a fresh Nostr keypair and persists its private key,
// returning the new identity's public key. Key generation and storage are
// both external collaborators (spec §1: Nostr signing primitives and the
// SecretsStore are referenced only through their contracts), so this
// package never touches private key material directly.
type KeyGenerator func(ctx context.Context) (pubkey string, err error)

// Signer signs evt as accountPubkey, delegating to the secrets vault and
// the Nostr signing primitive — the same injection shape as
// internal/media.Signer, for the same reason (spec §1 external
// collaborators).
type Signer func(ctx context.Context, accountPubkey string, evt nostr.Event) (nostr.Event, error)

// Manager implements account lifecycle and relay/key-package orchestration
// for the accounts this process holds signing keys for.
type Manager struct {
	store  *store.Store
	client *relay.Client
	mls    *mlsgroup.Engine

	keygen KeyGenerator
	signer Signer

	defaultRelays []string

	// identityDir locates the per-account file holding this process's own
	// MLS KeyPackage material (internal/config.Config.MLSDir's sibling
	// concern: mlsgroup.Engine persists group state there, this package
	// persists the account's own identity key package alongside it).
	identityDir func(accountPubkeyHex string) string

	guardsMu sync.Mutex
	guards   map[string]*sync.Mutex

	log zerolog.Logger
}

// New builds a Manager.
func New(
	st *store.Store,
	client *relay.Client,
	mls *mlsgroup.Engine,
	keygen KeyGenerator,
	signer Signer,
	defaultRelays []string,
	identityDir func(string) string,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		store:         st,
		client:        client,
		mls:           mls,
		keygen:        keygen,
		signer:        signer,
		defaultRelays: append([]string{}, defaultRelays...),
		identityDir:   identityDir,
		log:           log.With().Str("component", "identity").Logger(),
	}
}
