// Package subscribe implements the subscription orchestrator (component I):
// for each account it computes the desired subscription topology
// (follow_list, giftwrap, user, group_messages) plus one batched
// global_users subscription, diffs it against what's currently installed,
// and issues the minimum subscribe/unsubscribe pair to close the gap
// (spec §4.3).
package subscribe

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/whitenoise-core/whitenoise/internal/relay"
	"github.com/whitenoise-core/whitenoise/internal/router"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// Kinds used to build filters (spec §4.3, §6).
const (
	kindMetadata     = 0
	kindContactList  = 3
	kindRelayList    = 10002
	kindInboxRelays  = 10050
	kindKeyPkgRelays = 10051
	kindGiftWrap     = 1059
	kindGroupMessage = 444
)

// syncWindow is subtracted from last_synced_at to account for clock skew
// between this process and relays (spec §4.3: "since = last_synced_at - 10s").
const syncWindow = 10 * time.Second

// RelayLister resolves an account's relay lists and group memberships. The
// orchestrator depends on it rather than directly on internal/store so it
// can be driven by tests without a real database.
type RelayLister interface {
	Nip65Relays(ctx context.Context, accountPubkey string) ([]string, error)
	InboxRelays(ctx context.Context, accountPubkey string) ([]string, error)
	AccountGroups(ctx context.Context, accountPubkey string) ([]store.GroupInformation, error)
	GroupRelays(ctx context.Context, mlsGroupID []byte) ([]string, error)
	FollowedPubkeys(ctx context.Context, accountPubkey string) ([]string, error)
	LastSyncedAt(ctx context.Context, accountPubkey string) (time.Time, bool, error)
}

// installed tracks one live subscription_id and the relay set it was
// installed against, so a later reconciliation can detect "same role, relays
// changed" and reinstall rather than leave a stale filter running.
type installed struct {
	id     string
	relays []string
}

// Orchestrator maintains desired vs. installed subscription topology across
// all held accounts (spec §4.3).
type Orchestrator struct {
	client      *relay.Client
	lister      RelayLister
	sessionSalt []byte
	log         zerolog.Logger

	perAccount map[string]map[router.Role]installed
	global     *installed

	defaultRelays []string
}

// New builds an Orchestrator. defaultRelays back the global_users
// subscription's relay set (spec §4.3 item 5).
func New(client *relay.Client, lister RelayLister, sessionSalt []byte, defaultRelays []string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:        client,
		lister:        lister,
		sessionSalt:   sessionSalt,
		log:           log.With().Str("component", "subscribe").Logger(),
		perAccount:    make(map[string]map[router.Role]installed),
		defaultRelays: defaultRelays,
	}
}

// EnsureAccount reconciles the four per-account subscriptions (follow_list,
// giftwrap, user, group_messages) for one account (spec §4.3 items 1-4).
func (o *Orchestrator) EnsureAccount(ctx context.Context, accountPubkey string) error {
	nip65, err := o.lister.Nip65Relays(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("subscribe: nip65 relays: %w", err)
	}
	inbox, err := o.lister.InboxRelays(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("subscribe: inbox relays: %w", err)
	}
	groups, err := o.lister.AccountGroups(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("subscribe: account groups: %w", err)
	}
	lastSynced, synced, err := o.lister.LastSyncedAt(ctx, accountPubkey)
	if err != nil {
		return fmt.Errorf("subscribe: last synced at: %w", err)
	}

	o.reconcile(accountPubkey, router.RoleFollowList,
		nostr.Filter{Kinds: []int{kindContactList}, Authors: []string{accountPubkey}}, nip65)

	o.reconcile(accountPubkey, router.RoleGiftwrap,
		nostr.Filter{Kinds: []int{kindGiftWrap}, Tags: nostr.TagMap{"p": []string{accountPubkey}}}, inbox)

	userFilter := nostr.Filter{
		Kinds:   []int{kindMetadata, kindRelayList, kindInboxRelays, kindKeyPkgRelays},
		Authors: []string{accountPubkey},
	}
	if synced {
		since := nostr.Timestamp(lastSynced.Add(-syncWindow).Unix())
		userFilter.Since = &since
	}
	o.reconcile(accountPubkey, router.RoleUser, userFilter, nip65)

	if len(groups) > 0 {
		nostrGroupIDs := make([]string, 0, len(groups))
		relaySet := map[string]struct{}{}
		for _, g := range groups {
			nostrGroupIDs = append(nostrGroupIDs, fmt.Sprintf("%x", g.NostrGroupID))
			groupRelays, err := o.lister.GroupRelays(ctx, g.MLSGroupID)
			if err != nil {
				return fmt.Errorf("subscribe: group relays: %w", err)
			}
			for _, r := range groupRelays {
				relaySet[r] = struct{}{}
			}
		}
		relays := make([]string, 0, len(relaySet))
		for r := range relaySet {
			relays = append(relays, r)
		}
		o.reconcile(accountPubkey, router.RoleGroupMessages,
			nostr.Filter{Kinds: []int{kindGroupMessage}, Tags: nostr.TagMap{"h": nostrGroupIDs}}, relays)
	} else {
		o.teardown(accountPubkey, router.RoleGroupMessages)
	}
	return nil
}

// EnsureGlobal reconciles the single batched global_users subscription
// (spec §4.3 item 5) over the follows of every account in accounts. It is
// installed under the fixed ID "global_users", not an account-scoped one,
// and is reinstalled on every call that finds at least one followed pubkey.
func (o *Orchestrator) EnsureGlobal(ctx context.Context, accounts []string) error {
	if len(accounts) == 0 {
		if o.global != nil {
			o.client.Unsubscribe(o.global.id)
			o.global = nil
		}
		return nil
	}

	followed := map[string]struct{}{}
	var minSynced *time.Time
	anyUnsynced := false
	for _, acc := range accounts {
		pks, err := o.lister.FollowedPubkeys(ctx, acc)
		if err != nil {
			return fmt.Errorf("subscribe: followed pubkeys: %w", err)
		}
		for _, pk := range pks {
			followed[pk] = struct{}{}
		}
		last, synced, err := o.lister.LastSyncedAt(ctx, acc)
		if err != nil {
			return fmt.Errorf("subscribe: last synced at: %w", err)
		}
		if !synced {
			anyUnsynced = true
			continue
		}
		if minSynced == nil || last.Before(*minSynced) {
			minSynced = &last
		}
	}
	if len(followed) == 0 {
		if o.global != nil {
			o.client.Unsubscribe(o.global.id)
			o.global = nil
		}
		return nil
	}

	authors := make([]string, 0, len(followed))
	for pk := range followed {
		authors = append(authors, pk)
	}
	filter := nostr.Filter{Kinds: []int{kindMetadata, kindRelayList}, Authors: authors}
	if !anyUnsynced && minSynced != nil {
		since := nostr.Timestamp(minSynced.Add(-syncWindow).Unix())
		filter.Since = &since
	}

	id := "global_users"
	o.client.Subscribe(id, filter, o.defaultRelays)
	o.global = &installed{id: id, relays: o.defaultRelays}
	return nil
}

// reconcile installs or reinstalls role's subscription for account if the
// desired relay set differs from what's currently installed; a no-op
// filter/relay-set match issues nothing (spec §4.3: "minimum subscribe/
// unsubscribe pair").
func (o *Orchestrator) reconcile(accountPubkey string, role router.Role, filter nostr.Filter, relays []string) {
	roles, ok := o.perAccount[accountPubkey]
	if !ok {
		roles = make(map[router.Role]installed)
		o.perAccount[accountPubkey] = roles
	}
	cur, has := roles[role]
	if has && sameRelaySet(cur.relays, relays) {
		return // already installed against the same relay set; filter content (e.g. since) changes don't require a resubscribe for this role
	}
	if has {
		o.client.Unsubscribe(cur.id)
	}
	id := router.BuildSubID(o.sessionSalt, accountPubkey, role)
	o.client.Subscribe(id, filter, relays)
	roles[role] = installed{id: id, relays: relays}
}

func (o *Orchestrator) teardown(accountPubkey string, role router.Role) {
	roles, ok := o.perAccount[accountPubkey]
	if !ok {
		return
	}
	if cur, has := roles[role]; has {
		o.client.Unsubscribe(cur.id)
		delete(roles, role)
	}
}

// RemoveAccount tears down every subscription for an account that has
// logged out (spec §4.3: "account added/removed" triggers reconciliation).
func (o *Orchestrator) RemoveAccount(accountPubkey string) {
	roles, ok := o.perAccount[accountPubkey]
	if !ok {
		return
	}
	for _, cur := range roles {
		o.client.Unsubscribe(cur.id)
	}
	delete(o.perAccount, accountPubkey)
}

// IsAccountOperational implements spec §4.3's operational check: at least
// two installed subscriptions for the account, and at least one relay among
// the union of its user/inbox/group relays connected or connecting.
func (o *Orchestrator) IsAccountOperational(accountPubkey string, connectedRelays map[string]bool) bool {
	roles, ok := o.perAccount[accountPubkey]
	if !ok || len(roles) < 2 {
		return false
	}
	for _, cur := range roles {
		for _, r := range cur.relays {
			if connectedRelays[r] {
				return true
			}
		}
	}
	return false
}

// IsGlobalOperational implements spec §4.3's global operational check.
func (o *Orchestrator) IsGlobalOperational(connectedRelays map[string]bool) bool {
	if o.global == nil {
		return false
	}
	for _, r := range o.defaultRelays {
		if connectedRelays[r] {
			return true
		}
	}
	return false
}

// EnsureAll is the periodic reconciliation entrypoint (spec §4.3
// ensure_all_subscriptions). Every input EnsureAccount/EnsureGlobal reads
// comes from the RelayLister (backed by the store), so any failure here is
// a database error and, per spec, fatal — propagated to the caller rather
// than swallowed. Best-effort applies to the subscribe/unsubscribe calls
// themselves, which the relay client never fails synchronously on.
func (o *Orchestrator) EnsureAll(ctx context.Context, accounts []string) error {
	for _, acc := range accounts {
		if err := o.EnsureAccount(ctx, acc); err != nil {
			return err
		}
	}
	return o.EnsureGlobal(ctx, accounts)
}

func sameRelaySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
