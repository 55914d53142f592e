package router

import (
	"strings"

	"github.com/whitenoise-core/whitenoise/internal/relay"
)

// Role enumerates the subscription roles an account-scoped subscription ID
// carries (spec §4.2, §4.3).
type Role string

const (
	RoleFollowList     Role = "follow_list"
	RoleGiftwrap       Role = "giftwrap"
	RoleUser           Role = "user"
	RoleInbox          Role = "inbox"
	RoleGroupMessages  Role = "group_messages"
)

// BuildSubID constructs the account-scoped "{12-hex-prefix}_{role}" ID
// (spec §4.2).
func BuildSubID(sessionSalt []byte, accountPubkey string, role Role) string {
	return relay.SubscriptionPrefix(sessionSalt, accountPubkey) + "_" + string(role)
}

// ParseSubID splits a subscription ID into its prefix and role. Global
// subscriptions (e.g. the batched global_users subscription) don't follow
// this convention and ParseSubID returns ok=false for them.
func ParseSubID(id string) (prefix string, role Role, ok bool) {
	idx := strings.IndexByte(id, '_')
	if idx != 12 {
		return "", "", false
	}
	return id[:idx], Role(id[idx+1:]), true
}

// ResolveAccount scans candidate account pubkeys and finds the one whose
// recomputed prefix matches. The hash is 48 bits over a small account set,
// so accidental collision is not a practical concern (spec §4.2).
func ResolveAccount(sessionSalt []byte, prefix string, candidates []string) (accountPubkey string, ok bool) {
	for _, pk := range candidates {
		if relay.SubscriptionPrefix(sessionSalt, pk) == prefix {
			return pk, true
		}
	}
	return "", false
}
