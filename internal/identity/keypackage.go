package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// keyPackageEventIDSetting namespaces the app_settings row tracking which
// kind-443 event currently advertises an account's key package, so a
// republish can delete the stale one first (spec §4.2's welcome handling:
// "delete the consumed key-package event ... and publish a fresh one").
func keyPackageEventIDSetting(accountPubkey string) string {
	return "keypackage_event_id:" + accountPubkey
}

func identityFilePath(identityDir func(string) string, accountPubkey string) string {
	return filepath.Join(identityDir(accountPubkey), "identity.json")
}

// storedMemberKeys is the on-disk encoding of mlsgroup.MemberKeys. It lives
// next to the account's MLS group files (mlsgroup.Engine's groupPath),
// under the same per-account directory, but is this package's own concern:
// mlsgroup.Engine never generates or persists identity-level keys itself,
// it only consumes a MemberKeys value handed to it by the caller.
type storedMemberKeys struct {
	SigPriv  []byte `json:"sig_priv"`
	SigPub   []byte `json:"sig_pub"`
	InitPriv []byte `json:"init_priv"`
	InitPub  []byte `json:"init_pub"`
}

// loadOrCreateMemberKeys returns the account's persisted MLS identity
// material, generating and saving a fresh one on first use.
func (m *Manager) loadOrCreateMemberKeys(accountPubkey string) (mlsgroup.MemberKeys, error) {
	path := identityFilePath(m.identityDir, accountPubkey)
	if data, err := os.ReadFile(path); err == nil {
		var s storedMemberKeys
		if err := json.Unmarshal(data, &s); err != nil {
			return mlsgroup.MemberKeys{}, fmt.Errorf("identity: unmarshal member keys: %w", err)
		}
		return mlsgroup.MemberKeys{
			SigPriv: s.SigPriv, SigPub: s.SigPub,
			InitPriv: s.InitPriv, InitPub: s.InitPub,
		}, nil
	}

	keys, err := mlsgroup.GenerateMemberKeys()
	if err != nil {
		return mlsgroup.MemberKeys{}, err
	}
	if err := m.saveMemberKeys(accountPubkey, keys); err != nil {
		return mlsgroup.MemberKeys{}, err
	}
	return keys, nil
}

func (m *Manager) saveMemberKeys(accountPubkey string, keys mlsgroup.MemberKeys) error {
	path := identityFilePath(m.identityDir, accountPubkey)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	data, err := json.Marshal(storedMemberKeys{
		SigPriv: keys.SigPriv, SigPub: keys.SigPub,
		InitPriv: keys.InitPriv, InitPub: keys.InitPub,
	})
	if err != nil {
		return fmt.Errorf("identity: marshal member keys: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// KeyPackageFor returns the account's publishable KeyPackage (spec §4.4:
// "Fetch each member's published key package"), generating its backing
// identity key material on first use.
func (m *Manager) KeyPackageFor(accountPubkey string) (mlsgroup.KeyPackage, error) {
	keys, err := m.loadOrCreateMemberKeys(accountPubkey)
	if err != nil {
		return mlsgroup.KeyPackage{}, err
	}
	return mlsgroup.KeyPackage{Pubkey: accountPubkey, SigPub: keys.SigPub, InitPub: keys.InitPub}, nil
}

// MemberKeysFor returns the account's private MLS identity material, used
// as the `creator` argument to mlsgroup.Engine.CreateGroup.
func (m *Manager) MemberKeysFor(accountPubkey string) (mlsgroup.MemberKeys, error) {
	return m.loadOrCreateMemberKeys(accountPubkey)
}

// PublishKeyPackage publishes a fresh kind-443 key package to the
// account's key-package relays, recording the new event ID so a future
// republish can find and delete it first.
func (m *Manager) PublishKeyPackage(ctx context.Context, accountPubkey string) error {
	kp, err := m.KeyPackageFor(accountPubkey)
	if err != nil {
		return fmt.Errorf("identity: publish key package: %w", err)
	}
	content, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("identity: marshal key package: %w", err)
	}

	relays, err := m.keyPackageRelays(ctx, accountPubkey)
	if err != nil {
		return err
	}

	evt := nostr.Event{Kind: KindKeyPackage, CreatedAt: nostr.Now(), Content: string(content)}
	signed, err := m.signer(ctx, accountPubkey, evt)
	if err != nil {
		return fmt.Errorf("identity: sign key package: %w", err)
	}
	if _, err := m.client.Publish(ctx, signed, relays); err != nil {
		return fmt.Errorf("identity: publish key package: %w", err)
	}
	if err := m.store.MarkPublished(ctx, signed.ID, accountPubkey, KindKeyPackage, nowMillis()); err != nil {
		m.log.Warn().Err(err).Msg("publish key package: failed to record published event")
	}

	return m.store.SetSetting(ctx, keyPackageEventIDSetting(accountPubkey), signed.ID)
}

// RepublishKeyPackage deletes the previously-published key package (if any
// is on record) and publishes a fresh one, implementing the
// router.Deps.RepublishKeyPackage hook invoked after a welcome is consumed
// (spec §4.2).
func (m *Manager) RepublishKeyPackage(ctx context.Context, accountPubkey string) error {
	if oldID, ok, err := m.store.GetSetting(ctx, keyPackageEventIDSetting(accountPubkey)); err == nil && ok {
		relays, rerr := m.keyPackageRelays(ctx, accountPubkey)
		if rerr == nil {
			deletion := nostr.Event{
				Kind: 5, CreatedAt: nostr.Now(),
				Tags: nostr.Tags{{"e", oldID}},
			}
			if signed, serr := m.signer(ctx, accountPubkey, deletion); serr == nil {
				_, _ = m.client.Publish(ctx, signed, relays)
			}
		}
	}
	return m.PublishKeyPackage(ctx, accountPubkey)
}

func (m *Manager) keyPackageRelays(ctx context.Context, accountPubkey string) ([]string, error) {
	user, err := m.store.GetUserByPubkey(ctx, accountPubkey)
	if err != nil {
		return nil, fmt.Errorf("identity: lookup user: %w", err)
	}
	relays, err := m.store.UserRelays(ctx, user.ID, store.RelayTypeKeyPackage)
	if err != nil {
		return nil, fmt.Errorf("identity: key package relays: %w", err)
	}
	if len(relays) == 0 {
		return m.defaultRelays, nil
	}
	return relays, nil
}
