package whitenoise

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/store"
	"github.com/whitenoise-core/whitenoise/internal/wnerr"
)

// decryptGiftWrap implements router.Deps.DecryptGiftWrap by delegating to
// the SecretsStore (spec §1: gift-wrap/unwrap stays behind that boundary).
func (c *Core) decryptGiftWrap(ctx context.Context, accountPubkey string, wrapped nostr.Event) (nostr.Event, error) {
	return c.secrets.GiftUnwrap(ctx, accountPubkey, wrapped)
}

// handleWelcome implements router.Deps.ProcessWelcome. It deliberately does
// not install MLS group state: the welcome rumor is only parsed enough to
// populate the welcome-inbox row, and the local MLS group is created later,
// only if the user calls AcceptWelcome (welcomes.go). This keeps a declined
// welcome from ever touching local MLS state.
func (c *Core) handleWelcome(ctx context.Context, accountPubkey string, wrapperEventID string, rumor nostr.Event) error {
	var w mlsgroup.WelcomeRumorContent
	if err := json.Unmarshal([]byte(rumor.Content), &w); err != nil {
		return wnerr.New(wnerr.InvalidInput, "whitenoise.handle_welcome", fmt.Errorf("unmarshal welcome rumor: %w", err))
	}

	account, err := c.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return wnerr.New(wnerr.NotFound, "whitenoise.handle_welcome", err)
	}

	_, err = c.store.CreateWelcome(ctx, store.Welcome{
		AccountID:      account.ID,
		MLSGroupID:     w.MLSGroupID,
		WrapperEventID: wrapperEventID,
		GroupName:      w.GroupName,
		MemberCount:    w.MemberCount,
		RumorContent:   []byte(rumor.Content),
	}, nowMillis())
	if err != nil {
		return wnerr.New(wnerr.Storage, "whitenoise.handle_welcome", err)
	}
	return nil
}

// processGroupMessage implements router.Deps.ProcessGroupMessage: resolves
// the local MLS group from the event's "h" tag, decrypts via the group
// state machine, and either applies a commit or folds an application
// message into the aggregator (spec §4.2 MlsGroupMessage case, §4.4).
//
// An epoch-mismatch application message surfaces from mlsgroup as a plain
// error; wnerr.KindOf defaults that to Storage (non-retryable), so it is
// wrapped here as Protocol instead, letting the router's backoff retry it
// once the commit that advances the epoch has itself been processed
// (spec §5: "the router will retry them via backoff").
func (c *Core) processGroupMessage(ctx context.Context, accountPubkey string, evt nostr.Event) error {
	nostrGroupID := ""
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "h" {
			nostrGroupID = tag[1]
			break
		}
	}
	if nostrGroupID == "" {
		return wnerr.New(wnerr.InvalidInput, "whitenoise.process_group_message", fmt.Errorf("missing h tag"))
	}
	groupIDBytes, err := hex.DecodeString(nostrGroupID)
	if err != nil {
		return wnerr.New(wnerr.InvalidInput, "whitenoise.process_group_message", fmt.Errorf("decode h tag: %w", err))
	}

	group, err := c.store.GetGroupByNostrGroupID(ctx, groupIDBytes)
	if err != nil {
		return wnerr.New(wnerr.NotFound, "whitenoise.process_group_message", err)
	}

	isCommit, plaintext, err := c.mls.ProcessMessage(accountPubkey, group.MLSGroupID, []byte(evt.Content))
	if err != nil {
		return wnerr.New(wnerr.Protocol, "whitenoise.process_group_message", err)
	}
	if isCommit {
		return nil
	}

	var inner nostr.Event
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return wnerr.New(wnerr.InvalidInput, "whitenoise.process_group_message", fmt.Errorf("unmarshal application message: %w", err))
	}
	if err := c.aggregator.Process(ctx, group.MLSGroupID, inner); err != nil {
		return wnerr.New(wnerr.Storage, "whitenoise.process_group_message", err)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
