package whitenoise

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/whitenoise-core/whitenoise/internal/media"
	"github.com/whitenoise-core/whitenoise/internal/mlsgroup"
	"github.com/whitenoise-core/whitenoise/internal/router"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// keyPackageFetchTimeout bounds the point query for a prospective member's
// published key package (spec §5: "default timeout 10s for point queries").
const keyPackageFetchTimeout = 10 * time.Second

// fetchMemberKeyPackage resolves memberPubkey's key-package relays and
// fetches their most recent kind-443 KeyPackage event (spec §4.4: "Fetch
// each member's published key package").
func (c *Core) fetchMemberKeyPackage(ctx context.Context, memberPubkey string) (mlsgroup.KeyPackage, error) {
	user, err := c.store.GetUserByPubkey(ctx, memberPubkey)
	relays := c.cfg.DefaultRelays
	if err == nil {
		if kpRelays, rerr := c.store.UserRelays(ctx, user.ID, store.RelayTypeKeyPackage); rerr == nil && len(kpRelays) > 0 {
			relays = kpRelays
		}
	}

	evt, err := c.relayClt.FetchOne(ctx,
		nostr.Filter{Kinds: []int{443}, Authors: []string{memberPubkey}, Limit: 1},
		relays, keyPackageFetchTimeout)
	if err != nil {
		return mlsgroup.KeyPackage{}, fmt.Errorf("whitenoise: fetch key package for %s: %w", memberPubkey, err)
	}
	if evt == nil {
		return mlsgroup.KeyPackage{}, fmt.Errorf("whitenoise: no key package found for %s", memberPubkey)
	}
	var kp mlsgroup.KeyPackage
	if err := json.Unmarshal([]byte(evt.Content), &kp); err != nil {
		return mlsgroup.KeyPackage{}, fmt.Errorf("whitenoise: unmarshal key package for %s: %w", memberPubkey, err)
	}
	return kp, nil
}

// fetchMemberKeyPackages fetches every named member's key package
// concurrently (spec §5: fan-out point queries have no ordering
// dependency on one another) and returns them in the same order as
// memberPubkeys. The first failure cancels the rest via the errgroup's
// derived context.
func (c *Core) fetchMemberKeyPackages(ctx context.Context, memberPubkeys []string) ([]mlsgroup.KeyPackage, error) {
	keyPackages := make([]mlsgroup.KeyPackage, len(memberPubkeys))
	g, gctx := errgroup.WithContext(ctx)
	for i, pk := range memberPubkeys {
		i, pk := i, pk
		g.Go(func() error {
			kp, err := c.fetchMemberKeyPackage(gctx, pk)
			if err != nil {
				return err
			}
			keyPackages[i] = kp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return keyPackages, nil
}

// deliverWelcomes gift-wraps rumor to each named member and publishes the
// wrap to their inbox relays (spec §4.4). The 30-day (configurable)
// expiration tag is set on the inner rumor; the outer kind-1059 wrap that
// relays see carries only the recipient's p tag.
func (c *Core) deliverWelcomes(ctx context.Context, creatorPubkey string, welcomes map[string]mlsgroup.WelcomeRumorContent) error {
	expiry := fmt.Sprintf("%d", nostr.Now()+nostr.Timestamp(c.cfg.InboxTagExpiry.Seconds()))
	for memberPubkey, rumorContent := range welcomes {
		content, err := json.Marshal(rumorContent)
		if err != nil {
			return fmt.Errorf("whitenoise: marshal welcome rumor: %w", err)
		}
		rumor := nostr.Event{
			Kind: router.WelcomeRumorKind, CreatedAt: nostr.Now(),
			Tags:    nostr.Tags{{"expiration", expiry}},
			Content: string(content),
		}
		wrap, err := c.secrets.GiftWrap(ctx, creatorPubkey, memberPubkey, rumor)
		if err != nil {
			return fmt.Errorf("whitenoise: gift wrap welcome for %s: %w", memberPubkey, err)
		}

		inboxRelays, err := c.identity.InboxRelays(ctx, memberPubkey)
		if err != nil || len(inboxRelays) == 0 {
			inboxRelays = c.cfg.DefaultRelays
		}
		if _, err := c.relayClt.Publish(ctx, wrap, inboxRelays); err != nil {
			return fmt.Errorf("whitenoise: publish welcome for %s: %w", memberPubkey, err)
		}
	}
	return nil
}

// publishGroupEvent wraps content (an already-MLS-sealed wire envelope) in
// a kind-444 group message tagged with the group's nostr_group_id, signs it,
// and publishes it to the group's relays (spec §4.4).
func (c *Core) publishGroupEvent(ctx context.Context, accountPubkey string, group store.GroupInformation, wireContent []byte) error {
	evt := nostr.Event{
		Kind: router.KindGroupMessage, CreatedAt: nostr.Now(),
		Tags:    nostr.Tags{{"h", fmt.Sprintf("%x", group.NostrGroupID)}},
		Content: string(wireContent),
	}
	signed, err := c.secrets.Sign(ctx, accountPubkey, evt)
	if err != nil {
		return fmt.Errorf("whitenoise: sign group event: %w", err)
	}
	relays := group.Relays
	if len(relays) == 0 {
		relays = c.cfg.DefaultRelays
	}
	_, err = c.relayClt.Publish(ctx, signed, relays)
	return err
}

// CreateGroup implements spec §6's create_group: fetches each member's key
// package, creates the MLS group, persists it, gift-wraps and delivers a
// welcome to each member, and subscribes the creator to its messages.
func (c *Core) CreateGroup(ctx context.Context, creatorPubkey string, memberPubkeys []string, name, description string, relays []string) (store.GroupInformation, error) {
	creatorKeys, err := c.identity.MemberKeysFor(creatorPubkey)
	if err != nil {
		return store.GroupInformation{}, err
	}

	keyPackages, err := c.fetchMemberKeyPackages(ctx, memberPubkeys)
	if err != nil {
		return store.GroupInformation{}, err
	}

	if len(relays) == 0 {
		relays = c.cfg.DefaultRelays
	}
	result, err := c.mls.CreateGroup(creatorPubkey, creatorKeys, keyPackages, mlsgroup.GroupConfig{
		Name: name, Description: description, Relays: relays, Admins: []string{creatorPubkey},
	})
	if err != nil {
		return store.GroupInformation{}, fmt.Errorf("whitenoise: create group: %w", err)
	}

	group, err := c.store.CreateGroupInformation(ctx, store.GroupInformation{
		MLSGroupID:   result.MLSGroupID,
		NostrGroupID: result.NostrGroupID,
		GroupType:    groupTypeFor(memberPubkeys),
		Name:         name,
		Description:  description,
		AdminPubkeys: []string{creatorPubkey},
		Relays:       relays,
		State:        store.GroupStateActive,
	}, nowMillis())
	if err != nil {
		return store.GroupInformation{}, fmt.Errorf("whitenoise: persist group: %w", err)
	}

	if err := c.deliverWelcomes(ctx, creatorPubkey, result.Welcomes); err != nil {
		return group, err
	}
	if err := c.subs.EnsureAccount(ctx, creatorPubkey); err != nil {
		c.log.Warn().Err(err).Msg("create_group: subscription reconciliation failed")
	}
	return group, nil
}

func groupTypeFor(members []string) store.GroupType {
	return groupTypeForCount(len(members))
}

// groupTypeForCount implements spec §3's DirectMessage/Group inference:
// exactly one other participant besides the caller makes a DirectMessage.
func groupTypeForCount(otherMembers int) store.GroupType {
	if otherMembers == 1 {
		return store.GroupTypeDirectMessage
	}
	return store.GroupTypeGroup
}

// AddMembersToGroup implements spec §6's add_members_to_group: commits the
// membership change locally before publishing (spec §9), then publishes
// the commit and delivers welcomes to the new members.
func (c *Core) AddMembersToGroup(ctx context.Context, accountPubkey string, mlsGroupID []byte, newMemberPubkeys []string) error {
	group, err := c.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return err
	}

	keyPackages, err := c.fetchMemberKeyPackages(ctx, newMemberPubkeys)
	if err != nil {
		return err
	}

	result, err := c.mls.AddMembers(accountPubkey, mlsGroupID, keyPackages)
	if err != nil {
		return fmt.Errorf("whitenoise: add members: %w", err)
	}
	if err := c.mls.MergePendingCommit(accountPubkey, mlsGroupID); err != nil {
		return fmt.Errorf("whitenoise: merge pending commit: %w", err)
	}

	wire, err := mlsgroup.CommitMessage(result.Commit)
	if err != nil {
		return err
	}
	if err := c.publishGroupEvent(ctx, accountPubkey, group, wire); err != nil {
		return err
	}
	return c.deliverWelcomes(ctx, accountPubkey, result.Welcomes)
}

// RemoveMembersFromGroup implements spec §6's remove_members_from_group.
func (c *Core) RemoveMembersFromGroup(ctx context.Context, accountPubkey string, mlsGroupID []byte, removePubkeys []string) error {
	group, err := c.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return err
	}
	result, err := c.mls.RemoveMembers(accountPubkey, mlsGroupID, removePubkeys)
	if err != nil {
		return fmt.Errorf("whitenoise: remove members: %w", err)
	}
	if err := c.mls.MergePendingCommit(accountPubkey, mlsGroupID); err != nil {
		return fmt.Errorf("whitenoise: merge pending commit: %w", err)
	}
	wire, err := mlsgroup.CommitMessage(result.Commit)
	if err != nil {
		return err
	}
	return c.publishGroupEvent(ctx, accountPubkey, group, wire)
}

// UpdateGroupData implements spec §6's update_group_data.
func (c *Core) UpdateGroupData(ctx context.Context, accountPubkey string, mlsGroupID []byte, name, description string, relays, admins []string, imageHash, imageKey, imageNonce string) error {
	group, err := c.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return err
	}
	result, err := c.mls.UpdateGroupData(accountPubkey, mlsGroupID, name, description, relays, admins, imageHash, imageKey, imageNonce)
	if err != nil {
		return fmt.Errorf("whitenoise: update group data: %w", err)
	}
	if err := c.mls.MergePendingCommit(accountPubkey, mlsGroupID); err != nil {
		return fmt.Errorf("whitenoise: merge pending commit: %w", err)
	}
	if err := c.store.UpdateGroupMetadata(ctx, mlsGroupID, name, description, relays, admins, nowMillis()); err != nil {
		return fmt.Errorf("whitenoise: persist group metadata: %w", err)
	}
	if imageHash != "" {
		if err := c.store.UpdateGroupImage(ctx, mlsGroupID, imageHash, imageKey, imageNonce, nowMillis()); err != nil {
			return fmt.Errorf("whitenoise: persist group image: %w", err)
		}
	}
	wire, err := mlsgroup.CommitMessage(result.Commit)
	if err != nil {
		return err
	}
	return c.publishGroupEvent(ctx, accountPubkey, group, wire)
}

// UpdateGroupImage implements spec §4.4's group image update: encrypts and
// uploads a fresh group image, records where the ciphertext now lives, and
// commits the resulting image fields via UpdateGroupData, leaving
// name/description/relays/admins unchanged.
func (c *Core) UpdateGroupImage(ctx context.Context, accountPubkey string, mlsGroupID []byte, imageBytes []byte) error {
	group, err := c.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return err
	}

	result, err := c.media.UploadGroupImage(ctx, accountPubkey, imageBytes)
	if err != nil {
		return fmt.Errorf("whitenoise: upload group image: %w", err)
	}

	if err := c.UpdateGroupData(ctx, accountPubkey, mlsGroupID, group.Name, group.Description, group.Relays, group.AdminPubkeys, result.HashHex, result.KeyHex, result.NonceHex); err != nil {
		return err
	}
	return c.store.SetGroupImagePointer(ctx, mlsGroupID, result.URL, nowMillis())
}

// FetchGroupImage implements spec §4.4's image fetch path: local
// group_images cache first, otherwise fetch the ciphertext from the blob
// server recorded at ImagePointer, verify, and decrypt.
func (c *Core) FetchGroupImage(ctx context.Context, mlsGroupID []byte) ([]byte, error) {
	group, err := c.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	if group.ImageHash == "" {
		return nil, fmt.Errorf("whitenoise: group %x has no image", mlsGroupID)
	}
	return c.media.DownloadGroupImage(ctx, group.ImageHash, group.ImageKey, group.ImageNonce, group.ImagePointer)
}

// LeaveGroup implements spec §6's leave_group: proposes self-removal
// locally. Per mlsgroup's documented caveat, this process's local state
// does not actually drop the group until an admin commits the removal.
func (c *Core) LeaveGroup(ctx context.Context, accountPubkey string, mlsGroupID []byte) error {
	return c.mls.LeaveGroup(accountPubkey, mlsGroupID)
}

// SendMessage implements spec §6's send_message: seals plaintext as an MLS
// application message and publishes it as a kind-444 event tagged with the
// group's nostr_group_id.
func (c *Core) SendMessage(ctx context.Context, accountPubkey string, mlsGroupID []byte, kind int, tags [][]string, content string) (nostr.Event, error) {
	group, err := c.store.GetGroupByMLSGroupID(ctx, mlsGroupID)
	if err != nil {
		return nostr.Event{}, err
	}

	inner := nostr.Event{Kind: kind, CreatedAt: nostr.Now(), Content: content}
	for _, t := range tags {
		inner.Tags = append(inner.Tags, t)
	}
	inner.PubKey = accountPubkey
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nostr.Event{}, err
	}

	wire, err := c.mls.CreateMessage(accountPubkey, mlsGroupID, innerJSON)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("whitenoise: seal message: %w", err)
	}
	if err := c.publishGroupEvent(ctx, accountPubkey, group, wire); err != nil {
		return nostr.Event{}, err
	}
	if err := c.aggregator.Process(ctx, mlsGroupID, inner); err != nil {
		c.log.Warn().Err(err).Msg("send_message: failed to fold own message locally")
	}
	return inner, nil
}

// SendMediaMessage implements spec §6's send_media_message: uploads the
// encrypted file (component L) then sends the resulting FileMetadata
// application event as a group message (spec §4.6 step 8).
func (c *Core) SendMediaMessage(ctx context.Context, accountPubkey string, mlsGroupID []byte, plaintext []byte, mimeType, caption string) (nostr.Event, error) {
	result, err := c.media.Upload(ctx, accountPubkey, mlsGroupID, plaintext, mimeType)
	if err != nil {
		return nostr.Event{}, err
	}
	kind, tags, content := media.FileMetadataEvent(result, caption)
	return c.SendMessage(ctx, accountPubkey, mlsGroupID, kind, tags, content)
}
