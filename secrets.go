package whitenoise

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// SecretsStore is the external key vault and signing/encryption collaborator
// this core deliberately never implements (spec §1: "the underlying MLS
// cryptographic primitives, the Nostr event signing/verification
// primitives, and the persistent key vault (SecretsStore)" are all
// out-of-scope external collaborators, "referenced only through the
// contract it exposes").
//
// The interface is shaped narrowly around the two things every caller in
// this module actually needs — sign an event as an account, and gift-wrap
// or unwrap a rumor for NIP-59 welcome delivery — so that no package here
// ever has to reach for NIP-44/NIP-59 primitives itself. A reference
// implementation lives in internal/secretsvault for cmd/whitenoised; a host
// embedding this core as a library is expected to supply its own, typically
// backed by a hardware-backed or OS-level keychain.
type SecretsStore interface {
	// GenerateIdentity mints a fresh Nostr keypair, stores the private key,
	// and returns the public key (spec §6 create_identity).
	GenerateIdentity(ctx context.Context) (pubkey string, err error)

	// ImportIdentity stores secretKeyHex and returns its public key (spec §6
	// login(secret)).
	ImportIdentity(ctx context.Context, secretKeyHex string) (pubkey string, err error)

	// RemoveIdentity deletes any stored private key for pubkey. logout does
	// not call this automatically (spec §3 Lifecycle: the MLS store
	// persists across logout so a later login resumes cleanly) — a host
	// that wants the key gone too calls it explicitly.
	RemoveIdentity(ctx context.Context, pubkey string) error

	// Sign signs evt as pubkey, setting evt.PubKey, evt.ID and evt.Sig.
	Sign(ctx context.Context, pubkey string, evt nostr.Event) (nostr.Event, error)

	// GiftWrap seals rumor (an unsigned inner event) for recipientPubkey and
	// returns the signed, NIP-59 gift-wrapped kind-1059 event ready to
	// publish (spec §4.4 "gift-wrap the welcome rumor addressed to that
	// member"; spec §6's gift-wrap row: "ephemeral key + NIP-44 encryption +
	// inner rumor").
	GiftWrap(ctx context.Context, pubkey, recipientPubkey string, rumor nostr.Event) (nostr.Event, error)

	// GiftUnwrap reverses GiftWrap, returning the inner rumor addressed to
	// pubkey (spec §4.2 GiftWrap case).
	GiftUnwrap(ctx context.Context, pubkey string, wrapped nostr.Event) (nostr.Event, error)
}
