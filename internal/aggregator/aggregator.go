package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

// Kinds this package folds (spec §4.5).
const (
	KindBaseMessage = 9
	KindReaction    = 7
	KindDeletion    = 5
)

// groupCache holds the in-memory reconstruction for one group, used to
// resolve reaction/deletion targets without a round trip to SQLite on every
// event. The store row remains authoritative; this is a read cache.
type groupCache struct {
	mu         sync.Mutex
	messages   map[string]*ChatMessage // event ID -> folded message
	unresolved []unresolvedMessage
}

// Aggregator folds kind 9/7/5 application messages into persisted
// ChatMessage rows and notifies the Streams manager of updates (spec §4.5).
type Aggregator struct {
	store   *store.Store
	streams *Streams
	cfg     Config
	log     zerolog.Logger

	mu     sync.Mutex
	groups map[string]*groupCache // hex(mls_group_id) -> cache
}

// New builds an Aggregator backed by store and reporting updates via streams.
func New(st *store.Store, streams *Streams, cfg Config, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:   st,
		streams: streams,
		cfg:     cfg,
		log:     log.With().Str("component", "aggregator").Logger(),
		groups:  make(map[string]*groupCache),
	}
}

func groupKey(mlsGroupID []byte) string { return fmt.Sprintf("%x", mlsGroupID) }

func (a *Aggregator) cacheFor(mlsGroupID []byte) *groupCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := groupKey(mlsGroupID)
	c, ok := a.groups[key]
	if !ok {
		c = &groupCache{messages: make(map[string]*ChatMessage)}
		a.groups[key] = c
	}
	return c
}

// Process folds one decrypted MLS application event into the aggregator
// (spec §4.5). evt.Kind determines which fold path runs; unknown kinds are
// persisted (via the caller's own event-tracker bookkeeping) but not folded.
func (a *Aggregator) Process(ctx context.Context, mlsGroupID []byte, evt nostr.Event) error {
	switch evt.Kind {
	case KindBaseMessage:
		return a.processBaseMessage(ctx, mlsGroupID, evt)
	case KindReaction:
		return a.processReaction(ctx, mlsGroupID, evt)
	case KindDeletion:
		return a.processDeletion(ctx, mlsGroupID, evt)
	default:
		return nil
	}
}

func (a *Aggregator) processBaseMessage(ctx context.Context, mlsGroupID []byte, evt nostr.Event) error {
	var replyTo *string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			id := tag[1]
			replyTo = &id
			break
		}
	}

	now := time.Now().UnixMilli()
	row := store.AggregatedMessageRow{
		EventID:    evt.ID,
		MLSGroupID: mlsGroupID,
		Author:     evt.PubKey,
		Content:    evt.Content,
		Kind:       evt.Kind,
		CreatedAt:  time.Unix(int64(evt.CreatedAt), 0),
		Tags:       tagsToSlice(evt.Tags),
		ReplyToID:  replyTo,
	}
	saved, err := a.store.UpsertAggregatedMessage(ctx, row, now)
	if err != nil {
		return fmt.Errorf("aggregator: upsert base message: %w", err)
	}

	cache := a.cacheFor(mlsGroupID)
	msg := fromStoreRow(saved)
	cache.mu.Lock()
	cache.messages[msg.ID] = msg
	unresolved := cache.unresolved
	cache.unresolved = nil
	cache.mu.Unlock()

	a.streams.Publish(mlsGroupID, MessageUpdate{Trigger: TriggerNewMessage, Message: msg})

	// Drain the unresolved queue: a reaction may have arrived before its
	// target (spec §4.5: "on each subsequent message addition, drain the
	// unresolved queue and retry").
	var stillUnresolved []unresolvedMessage
	for _, u := range unresolved {
		if u.targetID == msg.ID {
			if err := a.foldReaction(ctx, mlsGroupID, cache, msg, u); err != nil {
				a.log.Warn().Err(err).Msg("failed to resolve queued reaction")
			}
			continue
		}
		stillUnresolved = append(stillUnresolved, u)
	}
	cache.mu.Lock()
	cache.unresolved = append(stillUnresolved, cache.unresolved...)
	cache.mu.Unlock()
	return nil
}

func (a *Aggregator) processReaction(ctx context.Context, mlsGroupID []byte, evt nostr.Event) error {
	emoji, err := NormalizeReaction(evt.Content, a.cfg.NormalizeEmoji)
	if err != nil {
		a.log.Warn().Str("content", evt.Content).Msg("invalid reaction content, dropping")
		return nil
	}

	targetID := ""
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			targetID = tag[1]
			break
		}
	}
	if targetID == "" {
		return fmt.Errorf("aggregator: reaction %s missing e tag", evt.ID)
	}

	cache := a.cacheFor(mlsGroupID)
	cache.mu.Lock()
	target, ok := cache.messages[targetID]
	cache.mu.Unlock()

	u := unresolvedMessage{
		reactorPubkey: evt.PubKey, emoji: emoji, eventID: evt.ID,
		createdAt: time.Unix(int64(evt.CreatedAt), 0), targetID: targetID,
	}
	if !ok {
		cache.mu.Lock()
		cache.unresolved = append(cache.unresolved, u)
		cache.mu.Unlock()
		return nil
	}
	return a.foldReaction(ctx, mlsGroupID, cache, target, u)
}

// foldReaction applies one reaction to an already-resolved target,
// persisting the at-most-one-per-user invariant and updating the in-memory
// summary, then emits ReactionAdded (spec §3/§4.5).
func (a *Aggregator) foldReaction(ctx context.Context, mlsGroupID []byte, cache *groupCache, target *ChatMessage, u unresolvedMessage) error {
	_, err := a.store.UpsertReaction(ctx, store.ReactionRow{
		TargetEventID: u.targetID, ReactorPubkey: u.reactorPubkey,
		Emoji: u.emoji, EventID: u.eventID, CreatedAt: u.createdAt,
	})
	if err != nil {
		return fmt.Errorf("aggregator: upsert reaction: %w", err)
	}

	cache.mu.Lock()
	addReactionToMessage(target, u.reactorPubkey, u.emoji, u.createdAt)
	cache.mu.Unlock()

	a.streams.Publish(mlsGroupID, MessageUpdate{Trigger: TriggerReactionAdded, Message: target})
	return nil
}

// addReactionToMessage implements original_source's add_reaction_to_message:
// replaces any prior reaction by the same user atomically and keeps
// user_reactions sorted by created_at.
func addReactionToMessage(target *ChatMessage, user, emoji string, createdAt time.Time) {
	for i, ur := range target.Reactions.UserReactions {
		if ur.User != user {
			continue
		}
		old := ur
		target.Reactions.UserReactions = append(target.Reactions.UserReactions[:i], target.Reactions.UserReactions[i+1:]...)
		if er, ok := target.Reactions.ByEmoji[old.Emoji]; ok {
			er.Count--
			er.Users = removeString(er.Users, user)
			if er.Count <= 0 {
				delete(target.Reactions.ByEmoji, old.Emoji)
			}
		}
		break
	}

	target.Reactions.UserReactions = append(target.Reactions.UserReactions, UserReaction{User: user, Emoji: emoji, CreatedAt: createdAt})
	er, ok := target.Reactions.ByEmoji[emoji]
	if !ok {
		er = &EmojiReaction{Emoji: emoji}
		target.Reactions.ByEmoji[emoji] = er
	}
	er.Count++
	if !containsString(er.Users, user) {
		er.Users = append(er.Users, user)
	}

	sortUserReactions(target.Reactions.UserReactions)
}

func (a *Aggregator) processDeletion(ctx context.Context, mlsGroupID []byte, evt nostr.Event) error {
	cache := a.cacheFor(mlsGroupID)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		targetID := tag[1]

		cache.mu.Lock()
		target, isBase := cache.messages[targetID]
		cache.mu.Unlock()

		if isBase {
			// Authorization: only the original author may delete (spec §4.5).
			if target.Author != evt.PubKey {
				a.log.Warn().Str("target", targetID).Str("by", evt.PubKey).Msg("deletion author mismatch, ignoring")
				continue
			}
			if err := a.store.MarkMessageDeleted(ctx, targetID); err != nil {
				return fmt.Errorf("aggregator: mark deleted: %w", err)
			}
			cache.mu.Lock()
			target.IsDeleted = true
			cache.mu.Unlock()
			a.streams.Publish(mlsGroupID, MessageUpdate{Trigger: TriggerMessageDeleted, Message: target})
			continue
		}

		// Might be a reaction instead of a base message (spec §4.5: "if the
		// target is a reaction, remove it").
		reaction, err := a.store.GetReactionByEventID(ctx, targetID)
		if err != nil {
			continue // neither a known base message nor a known reaction; nothing to do
		}
		if reaction.ReactorPubkey != evt.PubKey {
			a.log.Warn().Str("target", targetID).Str("by", evt.PubKey).Msg("reaction deletion author mismatch, ignoring")
			continue
		}
		if err := a.store.RemoveReaction(ctx, reaction.TargetEventID, reaction.ReactorPubkey); err != nil {
			return fmt.Errorf("aggregator: remove reaction: %w", err)
		}
		cache.mu.Lock()
		if parent, ok := cache.messages[reaction.TargetEventID]; ok {
			removeReactionFromMessage(parent, reaction.ReactorPubkey, reaction.Emoji)
			cache.mu.Unlock()
			a.streams.Publish(mlsGroupID, MessageUpdate{Trigger: TriggerReactionRemoved, Message: parent})
		} else {
			cache.mu.Unlock()
		}
	}
	return nil
}

func removeReactionFromMessage(target *ChatMessage, user, emoji string) {
	for i, ur := range target.Reactions.UserReactions {
		if ur.User == user && ur.Emoji == emoji {
			target.Reactions.UserReactions = append(target.Reactions.UserReactions[:i], target.Reactions.UserReactions[i+1:]...)
			break
		}
	}
	if er, ok := target.Reactions.ByEmoji[emoji]; ok {
		er.Count--
		er.Users = removeString(er.Users, user)
		if er.Count <= 0 {
			delete(target.Reactions.ByEmoji, emoji)
		}
	}
}

// Snapshot implements fetch_aggregated_messages_for_group (spec §4.5): the
// persisted rows rebuilt in created_at order, including folded reactions.
func (a *Aggregator) Snapshot(ctx context.Context, mlsGroupID []byte) ([]*ChatMessage, error) {
	rows, err := a.store.ListAggregatedMessages(ctx, mlsGroupID)
	if err != nil {
		return nil, fmt.Errorf("aggregator: snapshot: %w", err)
	}
	cache := a.cacheFor(mlsGroupID)
	cache.mu.Lock()
	defer cache.mu.Unlock()

	out := make([]*ChatMessage, 0, len(rows))
	for _, row := range rows {
		msg := fromStoreRow(row)
		reactions, err := a.store.ListReactions(ctx, row.EventID)
		if err != nil {
			return nil, fmt.Errorf("aggregator: snapshot reactions: %w", err)
		}
		for _, r := range reactions {
			addReactionToMessage(msg, r.ReactorPubkey, r.Emoji, r.CreatedAt)
		}
		cache.messages[msg.ID] = msg
		out = append(out, msg)
	}
	return out, nil
}

func tagsToSlice(tags nostr.Tags) [][]string {
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = []string(t)
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, x := range ss {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

func sortUserReactions(urs []UserReaction) {
	for i := 1; i < len(urs); i++ {
		for j := i; j > 0 && urs[j].CreatedAt.Before(urs[j-1].CreatedAt); j-- {
			urs[j], urs[j-1] = urs[j-1], urs[j]
		}
	}
}
