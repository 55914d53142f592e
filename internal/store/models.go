package store

import "time"

// RelayType enumerates the three per-user relay-list kinds (spec §3).
type RelayType string

const (
	RelayTypeNip65      RelayType = "nip65"
	RelayTypeInbox      RelayType = "inbox"
	RelayTypeKeyPackage RelayType = "key_package"
)

type Relay struct {
	ID        string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
}

type User struct {
	ID        string
	Pubkey    string
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Account struct {
	ID           string
	Pubkey       string
	UserID       string
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type GroupType string

const (
	GroupTypeGroup          GroupType = "group"
	GroupTypeDirectMessage  GroupType = "direct_message"
)

type GroupState string

const (
	GroupStateActive   GroupState = "active"
	GroupStateInactive GroupState = "inactive"
)

type GroupInformation struct {
	ID            string
	MLSGroupID    []byte
	NostrGroupID  []byte
	GroupType     GroupType
	Name          string
	Description   string
	ImageHash     string
	ImageKey      string
	ImageNonce    string
	ImagePointer  string
	AdminPubkeys  []string
	Relays        []string
	State         GroupState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ProcessedEvent struct {
	EventID        string
	AccountID      *string
	EventCreatedAt *time.Time
	EventKind      *int
	CreatedAt      time.Time
}

type PublishedEvent struct {
	EventID   string
	AccountID string
	EventKind int
	CreatedAt time.Time
}

// AggregatedMessageRow is the lightweight persisted projection (spec §3)
// used to rebuild the aggregator after restart.
type AggregatedMessageRow struct {
	ID         string
	EventID    string
	MLSGroupID []byte
	Author     string
	Content    string
	Kind       int
	CreatedAt  time.Time
	Tags       [][]string
	IsDeleted  bool
	ReplyToID  *string
}

type ReactionRow struct {
	TargetEventID string
	ReactorPubkey string
	Emoji         string
	EventID       string
	CreatedAt     time.Time
}

type MediaFile struct {
	MLSGroupID    []byte
	AccountPubkey string
	FileHash      string
	CreatedAt     time.Time
	FileMetadata  map[string]string
}

type WelcomeState string

const (
	WelcomeStatePending  WelcomeState = "pending"
	WelcomeStateAccepted WelcomeState = "accepted"
	WelcomeStateDeclined WelcomeState = "declined"
	WelcomeStateIgnored  WelcomeState = "ignored"
)

type Welcome struct {
	ID             string
	AccountID      string
	MLSGroupID     []byte
	WrapperEventID string
	GroupName      string
	MemberCount    int
	// RumorContent is the raw decrypted welcome rumor (a JSON-encoded
	// mlsgroup.WelcomeRumorContent), kept so accept_welcome can install the
	// MLS group state without re-fetching and re-decrypting the gift wrap
	// (spec §6 accept_welcome/decline_welcome are a deferred-install design:
	// the MLS group is only created locally on acceptance).
	RumorContent []byte
	State        WelcomeState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
