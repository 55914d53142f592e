package identity

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

// discoveryKinds are fetched on login to recover an existing identity's
// published state (spec §1: "relay-list discovery"; §4.3 input #3 lists
// the same four kinds as the "user" subscription role).
var discoveryKinds = []int{KindMetadata, KindRelayList, KindInboxRelays, KindKeyPackageRelays}

// CreateIdentity implements the create_identity operation (spec §6):
// mints a fresh keypair, persists the account, seeds its relay lists with
// the process defaults, publishes an initial petname profile, and
// publishes a key package — grounded on
// original_source/accounts/core.rs's create_base_account_with_private_key
// + create_user_for_account + activate_account + setup_metadata pipeline.
func (m *Manager) CreateIdentity(ctx context.Context) (store.Account, error) {
	pubkey, err := m.keygen(ctx)
	if err != nil {
		return store.Account{}, fmt.Errorf("identity: create_identity: generate keys: %w", err)
	}

	account, err := m.persistNewAccount(ctx, pubkey)
	if err != nil {
		return store.Account{}, err
	}

	for _, rt := range []store.RelayType{store.RelayTypeNip65, store.RelayTypeInbox, store.RelayTypeKeyPackage} {
		if err := m.PublishRelayList(ctx, pubkey, rt, m.defaultRelays); err != nil {
			m.log.Warn().Err(err).Str("relay_type", string(rt)).Msg("create_identity: failed to publish initial relay list")
		}
	}

	petname, err := generatePetname()
	if err != nil {
		return store.Account{}, fmt.Errorf("identity: create_identity: %w", err)
	}
	md := store.Metadata{Name: petname, DisplayName: petname}
	if err := m.PublishMetadata(ctx, pubkey, md); err != nil {
		m.log.Warn().Err(err).Msg("create_identity: failed to publish initial metadata")
	}

	if err := m.PublishKeyPackage(ctx, pubkey); err != nil {
		m.log.Warn().Err(err).Msg("create_identity: failed to publish initial key package")
	}

	return account, nil
}

// Login implements the login operation (spec §6): the caller has already
// imported pubkey's secret into the external SecretsStore; this records
// the account locally (idempotently — the MLS store and user directory
// entry may already exist from a prior session per spec §3's Lifecycle
// note), then discovers the account's previously-published relay lists
// and metadata from the network, falling back to defaults and a fresh key
// package publication if nothing is found.
func (m *Manager) Login(ctx context.Context, pubkey string) (store.Account, error) {
	account, err := m.store.GetAccountByPubkey(ctx, pubkey)
	if err != nil {
		account, err = m.persistNewAccount(ctx, pubkey)
		if err != nil {
			return store.Account{}, err
		}
	}

	m.discoverPublishedState(ctx, pubkey)

	if _, ok, err := m.store.GetSetting(ctx, keyPackageEventIDSetting(pubkey)); err != nil || !ok {
		if err := m.PublishKeyPackage(ctx, pubkey); err != nil {
			m.log.Warn().Err(err).Msg("login: failed to publish key package")
		}
	}

	return account, nil
}

func (m *Manager) persistNewAccount(ctx context.Context, pubkey string) (store.Account, error) {
	user, err := m.store.FindOrCreateUser(ctx, pubkey, nowMillis())
	if err != nil {
		return store.Account{}, fmt.Errorf("identity: persist account: %w", err)
	}
	account, err := m.store.CreateAccount(ctx, pubkey, user.ID, nowMillis())
	if err != nil {
		return store.Account{}, fmt.Errorf("identity: persist account: %w", err)
	}
	return account, nil
}

// discoverPublishedState fetches an existing account's metadata and relay
// lists from its default relays and applies whatever is found, exactly as
// an inbound event would be (UpdateMetadata/UpdateRelayList), since this
// is best-effort discovery rather than a fatal precondition of login.
func (m *Manager) discoverPublishedState(ctx context.Context, pubkey string) {
	for _, kind := range discoveryKinds {
		filter := nostr.Filter{Kinds: []int{kind}, Authors: []string{pubkey}, Limit: 1}
		evt, err := m.client.FetchOne(ctx, filter, m.defaultRelays, fetchTimeout)
		if err != nil || evt == nil {
			continue
		}
		switch kind {
		case KindMetadata:
			if err := m.UpdateMetadata(ctx, *evt); err != nil {
				m.log.Warn().Err(err).Msg("login: failed to apply discovered metadata")
			}
		default:
			if err := m.UpdateRelayList(ctx, kind, *evt); err != nil {
				m.log.Warn().Err(err).Int("kind", kind).Msg("login: failed to apply discovered relay list")
			}
		}
	}
}

// Logout implements the logout operation (spec §6, §3 Lifecycle: "the MLS
// state store persists across logout so that a subsequent login resumes
// cleanly — this is a deliberate decision"). Only the account row is
// removed; the private key stays in the external SecretsStore, and its
// removal is the caller's responsibility (spec §1).
func (m *Manager) Logout(ctx context.Context, pubkey string) error {
	if err := m.store.DeleteAccount(ctx, pubkey); err != nil {
		return fmt.Errorf("identity: logout: %w", err)
	}
	return nil
}
