package whitenoise

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-core/whitenoise/internal/media"
)

// blossomAuthKind is NIP-98/Blossom's authorization event kind.
const blossomAuthKind = 24242

// blossomAuthExpiry bounds how long a signed upload authorization is valid.
const blossomAuthExpiry = 60 * time.Second

// blossomSigner adapts SecretsStore.Sign to media.Signer: builds and signs
// the kind-24242 Blossom authorization event for an upload of hashHex
// (spec §4.6 step 5, grounded on the teacher's buildBlossomAuthEvent).
func blossomSigner(secrets SecretsStore) media.Signer {
	return func(accountPubkey, hashHex string) (nostr.Event, error) {
		evt := nostr.Event{
			Kind:      blossomAuthKind,
			CreatedAt: nostr.Now(),
			Tags: nostr.Tags{
				{"t", "upload"},
				{"x", hashHex},
				{"expiration", fmt.Sprintf("%d", nostr.Now()+nostr.Timestamp(blossomAuthExpiry.Seconds()))},
			},
			Content: "Upload " + hashHex,
		}
		return secrets.Sign(context.Background(), accountPubkey, evt)
	}
}
