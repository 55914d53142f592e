package whitenoise

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/whitenoise-core/whitenoise/internal/aggregator"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// ChatListItem pairs a group's metadata with its most recent message, the
// shape a chat list UI renders one row from (spec §6 names get_chat_list
// but leaves its return shape to the implementation).
type ChatListItem struct {
	Group          store.GroupInformation
	LastMessage    *aggregator.ChatMessage
	UnreadEstimate int
}

// GetChatList implements spec §6's get_chat_list: one row per active group
// the account belongs to, newest activity first (activity is the later of
// the last message's time and the group record's last update).
func (c *Core) GetChatList(ctx context.Context, accountPubkey string) ([]ChatListItem, error) {
	groups, err := c.identity.AccountGroups(ctx, accountPubkey)
	if err != nil {
		return nil, fmt.Errorf("whitenoise: get chat list: %w", err)
	}

	items := make([]ChatListItem, 0, len(groups))
	for _, g := range groups {
		messages, err := c.aggregator.Snapshot(ctx, g.MLSGroupID)
		if err != nil {
			return nil, fmt.Errorf("whitenoise: get chat list: snapshot %x: %w", g.MLSGroupID, err)
		}
		item := ChatListItem{Group: g}
		if len(messages) > 0 {
			item.LastMessage = messages[len(messages)-1]
		}
		items = append(items, item)
	}
	activity := func(it ChatListItem) time.Time {
		if it.LastMessage != nil && it.LastMessage.CreatedAt.After(it.Group.UpdatedAt) {
			return it.LastMessage.CreatedAt
		}
		return it.Group.UpdatedAt
	}
	sort.SliceStable(items, func(i, j int) bool {
		return activity(items[i]).After(activity(items[j]))
	})
	return items, nil
}

// FetchAggregatedMessagesForGroup implements spec §6's chat-history read
// path: the aggregator's rebuilt-from-store snapshot for one group.
func (c *Core) FetchAggregatedMessagesForGroup(ctx context.Context, mlsGroupID []byte) ([]*aggregator.ChatMessage, error) {
	return c.aggregator.Snapshot(ctx, mlsGroupID)
}

// SubscribeToGroupMessages implements spec §6's subscribe_to_group_messages:
// returns the current snapshot plus a live update channel (spec §4.5:
// "install the receiver before taking a snapshot, so no update can slip
// between the two").
func (c *Core) SubscribeToGroupMessages(ctx context.Context, mlsGroupID []byte) ([]*aggregator.ChatMessage, *aggregator.Subscription, error) {
	return c.aggregator.SubscribeToGroupMessages(ctx, mlsGroupID)
}
