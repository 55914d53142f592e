package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

// relayTagForKind reports the tag name a relay-list event kind uses to
// carry each relay URL: NIP-65 (10002) uses "r" tags; the inbox/key-package
// lists (10050/10051) follow the teacher's publishDMRelaysCmd convention of
// plain "relay" tags.
func relayTagForKind(kind int) string {
	if kind == KindRelayList {
		return "r"
	}
	return "relay"
}

func relayTypeForKind(kind int) (store.RelayType, bool) {
	switch kind {
	case KindRelayList:
		return store.RelayTypeNip65, true
	case KindInboxRelays:
		return store.RelayTypeInbox, true
	case KindKeyPackageRelays:
		return store.RelayTypeKeyPackage, true
	default:
		return "", false
	}
}

// PublishRelayList publishes accountPubkey's relay list of the kind
// implied by relayType to the account's current Nip65 relays (or the
// process defaults, if none are known yet), and records it locally.
func (m *Manager) PublishRelayList(ctx context.Context, accountPubkey string, relayType store.RelayType, relays []string) error {
	kind, ok := kindForRelayType(relayType)
	if !ok {
		return fmt.Errorf("identity: publish relay list: unknown relay type %q", relayType)
	}

	tag := relayTagForKind(kind)
	tags := make(nostr.Tags, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, nostr.Tag{tag, r})
	}

	evt := nostr.Event{Kind: kind, CreatedAt: nostr.Now(), Tags: tags}
	signed, err := m.signer(ctx, accountPubkey, evt)
	if err != nil {
		return fmt.Errorf("identity: sign relay list: %w", err)
	}

	publishTo, err := m.Nip65Relays(ctx, accountPubkey)
	if err != nil || len(publishTo) == 0 {
		publishTo = m.defaultRelays
	}
	if _, err := m.client.Publish(ctx, signed, publishTo); err != nil {
		return fmt.Errorf("identity: publish relay list: %w", err)
	}
	if err := m.store.MarkPublished(ctx, signed.ID, accountPubkey, kind, nowMillis()); err != nil {
		m.log.Warn().Err(err).Msg("publish relay list: failed to record published event")
	}

	user, err := m.store.FindOrCreateUser(ctx, accountPubkey, nowMillis())
	if err != nil {
		return fmt.Errorf("identity: publish relay list: %w", err)
	}
	return m.store.SetUserRelays(ctx, user.ID, relayType, relays, nowMillis())
}

func kindForRelayType(t store.RelayType) (int, bool) {
	switch t {
	case store.RelayTypeNip65:
		return KindRelayList, true
	case store.RelayTypeInbox:
		return KindInboxRelays, true
	case store.RelayTypeKeyPackage:
		return KindKeyPackageRelays, true
	default:
		return 0, false
	}
}

// UpdateRelayList implements router.Deps.UpdateRelayList: apply an inbound
// kind-10002/10050/10051 event to the authoring user's relay-type mapping
// (spec §4.2 classification step 4).
func (m *Manager) UpdateRelayList(ctx context.Context, kind int, evt nostr.Event) error {
	relayType, ok := relayTypeForKind(kind)
	if !ok {
		return fmt.Errorf("identity: update relay list: unhandled kind %d", kind)
	}
	tag := relayTagForKind(kind)

	var relays []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == tag {
			relays = append(relays, t[1])
		}
	}

	user, err := m.store.FindOrCreateUser(ctx, evt.PubKey, nowMillis())
	if err != nil {
		return fmt.Errorf("identity: update relay list: %w", err)
	}
	return m.store.SetUserRelays(ctx, user.ID, relayType, relays, nowMillis())
}

// PublishMetadata publishes a kind-0 profile snapshot for accountPubkey and
// records it locally (spec §4.2's Metadata case is the inbound mirror of
// this, UpdateMetadata below).
func (m *Manager) PublishMetadata(ctx context.Context, accountPubkey string, md store.Metadata) error {
	content, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("identity: marshal metadata: %w", err)
	}
	evt := nostr.Event{Kind: KindMetadata, CreatedAt: nostr.Now(), Content: string(content)}
	signed, err := m.signer(ctx, accountPubkey, evt)
	if err != nil {
		return fmt.Errorf("identity: sign metadata: %w", err)
	}

	relays, err := m.Nip65Relays(ctx, accountPubkey)
	if err != nil || len(relays) == 0 {
		relays = m.defaultRelays
	}
	if _, err := m.client.Publish(ctx, signed, relays); err != nil {
		return fmt.Errorf("identity: publish metadata: %w", err)
	}
	if err := m.store.MarkPublished(ctx, signed.ID, accountPubkey, KindMetadata, nowMillis()); err != nil {
		m.log.Warn().Err(err).Msg("publish metadata: failed to record published event")
	}
	return m.store.UpdateUserMetadata(ctx, accountPubkey, md, nowMillis())
}

// UpdateMetadata implements router.Deps.UpdateMetadata (spec §4.2
// classification step 4, Metadata case).
func (m *Manager) UpdateMetadata(ctx context.Context, evt nostr.Event) error {
	var md store.Metadata
	if evt.Content != "" {
		if err := json.Unmarshal([]byte(evt.Content), &md); err != nil {
			return fmt.Errorf("identity: update metadata: unmarshal: %w", err)
		}
	}
	if _, err := m.store.FindOrCreateUser(ctx, evt.PubKey, nowMillis()); err != nil {
		return fmt.Errorf("identity: update metadata: %w", err)
	}
	return m.store.UpdateUserMetadata(ctx, evt.PubKey, md, nowMillis())
}

// ResolveNIP05 resolves a "name@domain" identifier to a hex pubkey, grounded
// on the teacher's resolveNIP05Cmd.
func ResolveNIP05(ctx context.Context, identifier string) (string, error) {
	parts := strings.SplitN(identifier, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("identity: invalid NIP-05 identifier: %s", identifier)
	}
	name, domain := parts[0], parts[1]

	url := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, name)
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: HTTP %d from %s", resp.StatusCode, domain)
	}

	var result struct {
		Names map[string]string `json:"names"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("identity: bad NIP-05 JSON from %s: %w", domain, err)
	}
	pk, ok := result.Names[name]
	if !ok {
		return "", fmt.Errorf("identity: name %q not found on %s", name, domain)
	}
	return pk, nil
}

// Nip65Relays/InboxRelays/FollowedPubkeys/AccountGroups/GroupRelays/
// LastSyncedAt together satisfy internal/subscribe.RelayLister, so a
// *Manager can be wired directly into the subscription orchestrator.

func (m *Manager) Nip65Relays(ctx context.Context, accountPubkey string) ([]string, error) {
	return m.userRelays(ctx, accountPubkey, store.RelayTypeNip65)
}

func (m *Manager) InboxRelays(ctx context.Context, accountPubkey string) ([]string, error) {
	return m.userRelays(ctx, accountPubkey, store.RelayTypeInbox)
}

func (m *Manager) userRelays(ctx context.Context, accountPubkey string, relayType store.RelayType) ([]string, error) {
	user, err := m.store.GetUserByPubkey(ctx, accountPubkey)
	if err != nil {
		return nil, fmt.Errorf("identity: lookup user: %w", err)
	}
	return m.store.UserRelays(ctx, user.ID, relayType)
}

func (m *Manager) FollowedPubkeys(ctx context.Context, accountPubkey string) ([]string, error) {
	account, err := m.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return nil, fmt.Errorf("identity: lookup account: %w", err)
	}
	follows, err := m.store.ListFollows(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("identity: list follows: %w", err)
	}
	out := make([]string, len(follows))
	for i, u := range follows {
		out[i] = u.Pubkey
	}
	return out, nil
}

// AccountGroups returns the groups accountPubkey currently has local MLS
// state for — a group with no on-disk state under the account's MLS
// directory is one this account never joined, even if some other account
// on this process has (spec §4.4: per-account isolated MLS storage).
func (m *Manager) AccountGroups(ctx context.Context, accountPubkey string) ([]store.GroupInformation, error) {
	all, err := m.store.ListGroups(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("identity: list groups: %w", err)
	}
	out := make([]store.GroupInformation, 0, len(all))
	for _, g := range all {
		if _, err := m.mls.GetMembers(accountPubkey, g.MLSGroupID); err != nil {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *Manager) GroupRelays(ctx context.Context, mlsGroupID []byte) ([]string, error) {
	g, err := m.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return nil, fmt.Errorf("identity: group relays: %w", err)
	}
	return g.Relays, nil
}

func (m *Manager) LastSyncedAt(ctx context.Context, accountPubkey string) (time.Time, bool, error) {
	account, err := m.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("identity: lookup account: %w", err)
	}
	return account.LastSyncedAt, !account.LastSyncedAt.IsZero(), nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
