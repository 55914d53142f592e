// Package mlsgroup wraps the MLS operations the group state machine (J)
// needs: create_group, add_members, remove_members, update_group_data,
// leave_group, process_welcome, process_message, create_message,
// merge_pending_commit, exporter_secret, get_relays, get_members (spec
// §4.4). The underlying cryptographic primitives are explicitly out of
// scope for this core (spec §1); in their place this package carries a
// self-contained Ed25519 + HKDF epoch-ratchet scheme, grounded on
// other_examples' germtb-mlsgit internal/mls package, whose own header
// notes it can be swapped for a real MLS binding without changing callers.
package mlsgroup

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// memberEntry is one member's public state within a group.
type memberEntry struct {
	Pubkey    string `json:"pubkey"`
	SigPub    []byte `json:"sig_pub"`
	InitPub   []byte `json:"init_pub"`
	LeafIndex int    `json:"leaf_index"`
	Active    bool   `json:"active"`
}

// groupState is the serializable per-group, per-account state. It is
// written to {mls_dir}/groups/{mls_group_id_hex}.json.
type groupState struct {
	MLSGroupID   []byte        `json:"mls_group_id"`
	NostrGroupID []byte        `json:"nostr_group_id"`
	Epoch        uint64        `json:"epoch"`
	EpochSecret  []byte        `json:"epoch_secret"`
	Members      []memberEntry `json:"members"`
	OwnLeafIndex int           `json:"own_leaf_index"`

	Name         string   `json:"name"`
	Description  string   `json:"description"`
	ImageHash    string   `json:"image_hash"`
	ImageKey     string   `json:"image_key"`
	ImageNonce   string   `json:"image_nonce"`
	AdminPubkeys []string `json:"admin_pubkeys"`
	Relays       []string `json:"relays"`

	// PendingRemoval is set by LeaveGroup: a self-removal proposal that
	// takes effect only once an admin commits it (spec §4.4 "Local state
	// does not change until an admin commits — documented caveat").
	PendingRemoval bool `json:"pending_removal"`
}

// KeyPackage is the public, publishable identity a member must have on
// their KeyPackage relays before anyone can add them to a group (spec
// §4.4 "Fetch each member's published key package").
type KeyPackage struct {
	Pubkey  string `json:"pubkey"`
	SigPub  []byte `json:"sig_pub"`
	InitPub []byte `json:"init_pub"`
}

// MemberKeys is a member's private MLS material, generated once per
// account and stored alongside the account's groups.
type MemberKeys struct {
	SigPriv  ed25519.PrivateKey
	SigPub   ed25519.PublicKey
	InitPriv []byte
	InitPub  []byte
}

// GenerateMemberKeys creates fresh signing and init key material for an
// account's MLS identity.
func GenerateMemberKeys() (MemberKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return MemberKeys{}, fmt.Errorf("mlsgroup: generate signing key: %w", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return MemberKeys{}, fmt.Errorf("mlsgroup: generate init key: %w", err)
	}
	h := sha256.Sum256(initPriv)
	return MemberKeys{SigPriv: priv, SigPub: pub, InitPriv: initPriv, InitPub: h[:]}, nil
}

// GroupConfig is the caller-supplied configuration for a new group (spec §4.4).
type GroupConfig struct {
	Name        string
	Description string
	Relays      []string
	Admins      []string
}

// WelcomeRumorContent is what gets JSON-marshaled into the kind-1440 rumor
// gift-wrapped to each new member (spec §4.4: "gift-wrap the welcome rumor
// addressed to that member").
type WelcomeRumorContent struct {
	MLSGroupID   []byte        `json:"mls_group_id"`
	NostrGroupID []byte        `json:"nostr_group_id"`
	Epoch        uint64        `json:"epoch"`
	EpochSecret  []byte        `json:"epoch_secret"`
	Members      []memberEntry `json:"members"`
	LeafIndex    int           `json:"leaf_index"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	AdminPubkeys []string      `json:"admin_pubkeys"`
	Relays       []string      `json:"relays"`
	GroupName    string        `json:"group_name"`
	MemberCount  int           `json:"member_count"`
}

// CommitEnvelope is the content of a kind-444 group message event carrying
// an epoch-advancing commit (add/remove/update). Application messages use
// a different envelope (see MessageEnvelope).
type CommitEnvelope struct {
	Epoch       uint64        `json:"epoch"`
	EpochSecret []byte        `json:"epoch_secret"` // plain bytes; not separately sealed inside the envelope
	Members     []memberEntry `json:"members"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	ImageHash   string        `json:"image_hash"`
	ImageKey    string        `json:"image_key"`
	ImageNonce  string        `json:"image_nonce"`
	Admins      []string      `json:"admin_pubkeys"`
	Relays      []string      `json:"relays"`
}

// CreateResult is what create_group yields: the new group plus one welcome
// rumor per invited member (spec §4.4).
type CreateResult struct {
	MLSGroupID   []byte
	NostrGroupID []byte
	Welcomes     map[string]WelcomeRumorContent // member pubkey -> rumor
}

// CommitResult is what add_members/remove_members/update_group_data yield:
// a not-yet-merged commit plus, for add_members, the welcomes for newly
// added members.
type CommitResult struct {
	Commit   CommitEnvelope
	Welcomes map[string]WelcomeRumorContent
}

// Engine manages one account's MLS groups, stored under mlsDir (spec §4.4:
// "Each account owns an isolated MLS storage directory
// {data_dir}/mls/{account_pubkey_hex}/"). It is stateless at this layer —
// every method loads/saves group state from disk — so a single Engine can
// be shared freely; correctness against concurrent calls for the same
// account is the router's responsibility (spec §5).
type Engine struct {
	mlsDir func(accountPubkeyHex string) string
	mu     sync.Mutex // guards the pending-commit cache below
	// pending holds commits created but not yet merged, keyed by
	// (account, hex(mls_group_id)), matching "merge the pending commit
	// locally before publishing" (spec §4.4).
	pending map[string]CommitResult
}

func New(mlsDir func(string) string) *Engine {
	return &Engine{mlsDir: mlsDir, pending: make(map[string]CommitResult)}
}

func pendingKey(accountPubkey string, mlsGroupID []byte) string {
	return accountPubkey + ":" + fmt.Sprintf("%x", mlsGroupID)
}

func (e *Engine) groupPath(accountPubkey string, mlsGroupID []byte) string {
	return filepath.Join(e.mlsDir(accountPubkey), "groups", fmt.Sprintf("%x.json", mlsGroupID))
}

func (e *Engine) loadGroup(accountPubkey string, mlsGroupID []byte) (*groupState, error) {
	data, err := os.ReadFile(e.groupPath(accountPubkey, mlsGroupID))
	if err != nil {
		return nil, fmt.Errorf("mlsgroup: load group: %w", err)
	}
	var s groupState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("mlsgroup: unmarshal group: %w", err)
	}
	return &s, nil
}

func (e *Engine) saveGroup(accountPubkey string, s *groupState) error {
	path := e.groupPath(accountPubkey, s.MLSGroupID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mlsgroup: mkdir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("mlsgroup: marshal group: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func exportSecret(epochSecret, label, context []byte, length int) []byte {
	info := append(append([]byte{}, label...), context...)
	r := hkdf.New(sha256.New, epochSecret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("mlsgroup: hkdf export: %v", err))
	}
	return out
}

func advanceEpoch(s *groupState) {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, s.Epoch)
	r := hkdf.New(sha256.New, s.EpochSecret, epochBytes, []byte("whitenoise-mls-epoch-advance"))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("mlsgroup: hkdf advance: %v", err))
	}
	s.EpochSecret = newSecret
	s.Epoch++
}

func newNostrGroupID() ([]byte, error) {
	id := make([]byte, 32)
	_, err := rand.Read(id)
	return id, err
}

func newMLSGroupID() ([]byte, error) {
	id := make([]byte, 32)
	_, err := rand.Read(id)
	return id, err
}
