// Package secretsvault is the reference SecretsStore implementation
// cmd/whitenoised wires in, grounded directly on nbd-wtf/go-nostr's key
// generation, signing, and nip44 subpackage. The core (package whitenoise)
// only ever calls this through its narrow SecretsStore interface (spec §1);
// outside tests, nothing here is imported except by cmd/whitenoised.
//
// Private keys are persisted as a JSON file of (pubkey -> hex secret key)
// pairs under a 0600-permission path. This is deliberately a minimal
// default, not a hardened vault — a host embedding this core for anything
// beyond local development should supply its own SecretsStore backed by an
// OS keychain or hardware token.
package secretsvault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// sealKind is the NIP-59 seal event kind: the rumor, NIP-44-encrypted and
// signed by the true author.
const sealKind = 13

// Vault is a file-backed SecretsStore.
type Vault struct {
	mu   sync.Mutex
	path string
	keys map[string]string // pubkey -> hex secret key
}

// Open loads (or creates) the vault file at path.
func Open(path string) (*Vault, error) {
	v := &Vault{path: path, keys: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("secretsvault: read: %w", err)
	}
	if err := json.Unmarshal(data, &v.keys); err != nil {
		return nil, fmt.Errorf("secretsvault: unmarshal: %w", err)
	}
	return v, nil
}

func (v *Vault) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("secretsvault: mkdir: %w", err)
	}
	data, err := json.Marshal(v.keys)
	if err != nil {
		return fmt.Errorf("secretsvault: marshal: %w", err)
	}
	return os.WriteFile(v.path, data, 0o600)
}

func (v *Vault) secretFor(pubkey string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sk, ok := v.keys[pubkey]
	if !ok {
		return "", fmt.Errorf("secretsvault: no stored key for %s", pubkey)
	}
	return sk, nil
}

// GenerateIdentity implements whitenoise.SecretsStore.
func (v *Vault) GenerateIdentity(ctx context.Context) (string, error) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", fmt.Errorf("secretsvault: generate identity: %w", err)
	}
	v.mu.Lock()
	v.keys[pub] = sk
	err = v.persistLocked()
	v.mu.Unlock()
	if err != nil {
		return "", err
	}
	return pub, nil
}

// ImportIdentity implements whitenoise.SecretsStore.
func (v *Vault) ImportIdentity(ctx context.Context, secretKeyHex string) (string, error) {
	pub, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return "", fmt.Errorf("secretsvault: import identity: %w", err)
	}
	v.mu.Lock()
	v.keys[pub] = secretKeyHex
	err = v.persistLocked()
	v.mu.Unlock()
	if err != nil {
		return "", err
	}
	return pub, nil
}

// RemoveIdentity implements whitenoise.SecretsStore.
func (v *Vault) RemoveIdentity(ctx context.Context, pubkey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.keys, pubkey)
	return v.persistLocked()
}

// Sign implements whitenoise.SecretsStore.
func (v *Vault) Sign(ctx context.Context, pubkey string, evt nostr.Event) (nostr.Event, error) {
	sk, err := v.secretFor(pubkey)
	if err != nil {
		return nostr.Event{}, err
	}
	evt.PubKey = pubkey
	if err := evt.Sign(sk); err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: sign: %w", err)
	}
	return evt, nil
}

// GiftWrap implements whitenoise.SecretsStore, following NIP-59: the rumor
// is sealed (NIP-44-encrypted, signed by the true author) into a kind-13
// event, then that seal is itself NIP-44-encrypted under a fresh ephemeral
// key into the final kind-1059 event addressed to recipientPubkey.
func (v *Vault) GiftWrap(ctx context.Context, pubkey, recipientPubkey string, rumor nostr.Event) (nostr.Event, error) {
	sk, err := v.secretFor(pubkey)
	if err != nil {
		return nostr.Event{}, err
	}

	rumor.PubKey = pubkey
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: marshal rumor: %w", err)
	}
	sealKey, err := nip44.GenerateConversationKey(recipientPubkey, sk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: seal key: %w", err)
	}
	sealContent, err := nip44.Encrypt(string(rumorJSON), sealKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: seal encrypt: %w", err)
	}
	seal := nostr.Event{Kind: sealKind, CreatedAt: nostr.Now(), Content: sealContent, PubKey: pubkey}
	if err := seal.Sign(sk); err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: sign seal: %w", err)
	}

	ephemeralSK := nostr.GeneratePrivateKey()
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: marshal seal: %w", err)
	}
	wrapKey, err := nip44.GenerateConversationKey(recipientPubkey, ephemeralSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: wrap key: %w", err)
	}
	wrapContent, err := nip44.Encrypt(string(sealJSON), wrapKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: wrap encrypt: %w", err)
	}
	wrap := nostr.Event{
		Kind: 1059, CreatedAt: nostr.Now(),
		Tags:    nostr.Tags{{"p", recipientPubkey}},
		Content: wrapContent,
	}
	if err := wrap.Sign(ephemeralSK); err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift wrap: sign wrap: %w", err)
	}
	return wrap, nil
}

// GiftUnwrap implements whitenoise.SecretsStore, reversing GiftWrap.
func (v *Vault) GiftUnwrap(ctx context.Context, pubkey string, wrapped nostr.Event) (nostr.Event, error) {
	sk, err := v.secretFor(pubkey)
	if err != nil {
		return nostr.Event{}, err
	}

	wrapKey, err := nip44.GenerateConversationKey(wrapped.PubKey, sk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift unwrap: wrap key: %w", err)
	}
	sealJSON, err := nip44.Decrypt(wrapped.Content, wrapKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift unwrap: wrap decrypt: %w", err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift unwrap: unmarshal seal: %w", err)
	}

	sealKey, err := nip44.GenerateConversationKey(seal.PubKey, sk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift unwrap: seal key: %w", err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, sealKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift unwrap: seal decrypt: %w", err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("secretsvault: gift unwrap: unmarshal rumor: %w", err)
	}
	return rumor, nil
}
