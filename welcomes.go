package whitenoise

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// PendingWelcomes implements spec §6's pending_welcomes.
func (c *Core) PendingWelcomes(ctx context.Context, accountPubkey string) ([]store.Welcome, error) {
	account, err := c.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return nil, err
	}
	return c.store.PendingWelcomes(ctx, account.ID)
}

// AcceptWelcome implements spec §6's accept_welcome: installs the MLS group
// locally from the rumor content persisted at receipt time, records the
// group, transitions the welcome to Accepted, and subscribes the account to
// the new group's messages. A declined welcome never reaches this path, so
// local MLS state is only ever created on explicit acceptance.
func (c *Core) AcceptWelcome(ctx context.Context, accountPubkey string, welcomeID string) (store.GroupInformation, error) {
	w, err := c.store.GetWelcomeByID(ctx, welcomeID)
	if err != nil {
		return store.GroupInformation{}, err
	}
	if w.State != store.WelcomeStatePending {
		return store.GroupInformation{}, fmt.Errorf("whitenoise: welcome %s is not pending", welcomeID)
	}

	var rumor mlsgroup.WelcomeRumorContent
	if err := json.Unmarshal(w.RumorContent, &rumor); err != nil {
		return store.GroupInformation{}, fmt.Errorf("whitenoise: unmarshal welcome rumor: %w", err)
	}

	mlsGroupID, err := c.mls.ProcessWelcome(accountPubkey, w.RumorContent)
	if err != nil {
		return store.GroupInformation{}, fmt.Errorf("whitenoise: install welcome: %w", err)
	}

	relays, err := c.mls.GetRelays(accountPubkey, mlsGroupID)
	if err != nil {
		return store.GroupInformation{}, err
	}
	members, err := c.mls.GetMembers(accountPubkey, mlsGroupID)
	if err != nil {
		return store.GroupInformation{}, err
	}

	otherMembers := 0
	for _, pk := range members {
		if pk != accountPubkey {
			otherMembers++
		}
	}

	group, err := c.store.CreateGroupInformation(ctx, store.GroupInformation{
		MLSGroupID:   mlsGroupID,
		NostrGroupID: rumor.NostrGroupID,
		GroupType:    groupTypeForCount(otherMembers),
		Name:         w.GroupName,
		AdminPubkeys: rumor.AdminPubkeys,
		Relays:       relays,
		State:        store.GroupStateActive,
	}, nowMillis())
	if err != nil {
		return store.GroupInformation{}, fmt.Errorf("whitenoise: persist accepted group: %w", err)
	}

	if err := c.store.SetWelcomeState(ctx, welcomeID, store.WelcomeStateAccepted, nowMillis()); err != nil {
		return group, err
	}
	if err := c.subs.EnsureAccount(ctx, accountPubkey); err != nil {
		c.log.Warn().Err(err).Msg("accept_welcome: subscription reconciliation failed")
	}
	return group, nil
}

// DeclineWelcome implements spec §6's decline_welcome: marks the welcome
// Declined without ever installing MLS group state.
func (c *Core) DeclineWelcome(ctx context.Context, welcomeID string) error {
	w, err := c.store.GetWelcomeByID(ctx, welcomeID)
	if err != nil {
		return err
	}
	if w.State != store.WelcomeStatePending {
		return fmt.Errorf("whitenoise: welcome %s is not pending", welcomeID)
	}
	return c.store.SetWelcomeState(ctx, welcomeID, store.WelcomeStateDeclined, nowMillis())
}
