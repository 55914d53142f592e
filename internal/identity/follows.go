package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// contactListGuard returns the per-account mutex serializing contact-list
// reconciliation, grounded on spec §5's named mechanism
// ("contact_list_guards"): kind-3 is last-writer-wins, so concurrent
// reconciliation from an inbound event and a direct follow_user/
// unfollow_user call could otherwise corrupt the follow set.
func (m *Manager) contactListGuard(accountPubkey string) *sync.Mutex {
	m.guardsMu.Lock()
	defer m.guardsMu.Unlock()
	if m.guards == nil {
		m.guards = make(map[string]*sync.Mutex)
	}
	g, ok := m.guards[accountPubkey]
	if !ok {
		g = &sync.Mutex{}
		m.guards[accountPubkey] = g
	}
	return g
}

// FollowUser adds targetPubkey to accountPubkey's follow set and republishes
// the account's kind-3 contact list (spec §6 follow_user).
func (m *Manager) FollowUser(ctx context.Context, accountPubkey, targetPubkey string) error {
	guard := m.contactListGuard(accountPubkey)
	guard.Lock()
	defer guard.Unlock()

	account, err := m.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("identity: follow_user: %w", err)
	}
	target, err := m.store.FindOrCreateUser(ctx, targetPubkey, nowMillis())
	if err != nil {
		return fmt.Errorf("identity: follow_user: %w", err)
	}
	if err := m.store.FollowUser(ctx, account.ID, target.ID, nowMillis()); err != nil {
		return fmt.Errorf("identity: follow_user: %w", err)
	}
	return m.publishContactList(ctx, accountPubkey, account.ID)
}

// UnfollowUser removes targetPubkey from accountPubkey's follow set and
// republishes the contact list (spec §6 unfollow_user).
func (m *Manager) UnfollowUser(ctx context.Context, accountPubkey, targetPubkey string) error {
	guard := m.contactListGuard(accountPubkey)
	guard.Lock()
	defer guard.Unlock()

	account, err := m.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("identity: unfollow_user: %w", err)
	}
	target, err := m.store.GetUserByPubkey(ctx, targetPubkey)
	if err != nil {
		return fmt.Errorf("identity: unfollow_user: %w", err)
	}
	if err := m.store.UnfollowUser(ctx, account.ID, target.ID); err != nil {
		return fmt.Errorf("identity: unfollow_user: %w", err)
	}
	return m.publishContactList(ctx, accountPubkey, account.ID)
}

// ReconcileFollows implements router.Deps.ReconcileFollows: replaces the
// account's follow set with exactly what an inbound kind-3 event lists
// (spec §4.2 classification step 4, ContactList case; spec §5: "guarded by
// a per-account semaphore").
func (m *Manager) ReconcileFollows(ctx context.Context, accountPubkey string, evt nostr.Event) error {
	guard := m.contactListGuard(accountPubkey)
	guard.Lock()
	defer guard.Unlock()

	account, err := m.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("identity: reconcile follows: %w", err)
	}

	userIDs := make([]string, 0, len(evt.Tags))
	for _, t := range evt.Tags {
		if len(t) < 2 || t[0] != "p" {
			continue
		}
		u, err := m.store.FindOrCreateUser(ctx, t[1], nowMillis())
		if err != nil {
			return fmt.Errorf("identity: reconcile follows: %w", err)
		}
		userIDs = append(userIDs, u.ID)
	}
	return m.store.ReplaceFollows(ctx, account.ID, userIDs, nowMillis())
}

// publishContactList rebuilds and publishes accountPubkey's kind-3 event
// from the current follow set (NIP-02 plain p-tag list; unlike the
// teacher's NIP-51 kind-30000 "Chat-Friends" list, kind 3 travels in the
// clear, so no NIP-44 self-encryption step applies here).
func (m *Manager) publishContactList(ctx context.Context, accountPubkey, accountID string) error {
	follows, err := m.store.ListFollows(ctx, accountID)
	if err != nil {
		return fmt.Errorf("identity: publish contact list: %w", err)
	}

	tags := make(nostr.Tags, 0, len(follows))
	for _, u := range follows {
		tags = append(tags, nostr.Tag{"p", u.Pubkey, "", u.Metadata.Name})
	}

	evt := nostr.Event{Kind: KindContactList, CreatedAt: nostr.Now(), Tags: tags}
	signed, err := m.signer(ctx, accountPubkey, evt)
	if err != nil {
		return fmt.Errorf("identity: sign contact list: %w", err)
	}

	relays, err := m.Nip65Relays(ctx, accountPubkey)
	if err != nil || len(relays) == 0 {
		relays = m.defaultRelays
	}
	if _, err := m.client.Publish(ctx, signed, relays); err != nil {
		return fmt.Errorf("identity: publish contact list: %w", err)
	}
	return m.store.MarkPublished(ctx, signed.ID, accountPubkey, KindContactList, nowMillis())
}
