package mlsgroup

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	base := t.TempDir()
	return New(func(accountPubkeyHex string) string {
		return filepath.Join(base, accountPubkeyHex)
	})
}

func keyPackageFor(t *testing.T, pubkey string) (KeyPackage, MemberKeys) {
	t.Helper()
	mk, err := GenerateMemberKeys()
	require.NoError(t, err)
	return KeyPackage{Pubkey: pubkey, SigPub: mk.SigPub, InitPub: mk.InitPub}, mk
}

func TestCreateGroupProducesOneWelcomePerMember(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	bobKP, _ := keyPackageFor(t, "bob")
	carolKP, _ := keyPackageFor(t, "carol")

	result, err := e.CreateGroup("alice", creatorKeys, []KeyPackage{bobKP, carolKP}, GroupConfig{
		Name: "friends", Relays: []string{"wss://relay.example"}, Admins: []string{"alice"},
	})
	require.NoError(t, err)
	require.Len(t, result.Welcomes, 2)
	require.Contains(t, result.Welcomes, "bob")
	require.Contains(t, result.Welcomes, "carol")

	members, err := e.GetMembers("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, members)

	epoch, err := e.Epoch("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.EqualValues(t, 0, epoch)
}

func TestProcessWelcomeInstallsGroupAtSenderEpoch(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	bobKP, _ := keyPackageFor(t, "bob")

	result, err := e.CreateGroup("alice", creatorKeys, []KeyPackage{bobKP}, GroupConfig{Name: "dm"})
	require.NoError(t, err)

	rumor := result.Welcomes["bob"]
	content, err := json.Marshal(rumor)
	require.NoError(t, err)

	mlsGroupID, err := e.ProcessWelcome("bob", content)
	require.NoError(t, err)
	require.Equal(t, result.MLSGroupID, mlsGroupID)

	epoch, err := e.Epoch("bob", mlsGroupID)
	require.NoError(t, err)
	require.EqualValues(t, 0, epoch)
}

func TestAddMembersRequiresMergeBeforeTakingEffect(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)

	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "solo"})
	require.NoError(t, err)

	daveKP, _ := keyPackageFor(t, "dave")
	_, err = e.AddMembers("alice", result.MLSGroupID, []KeyPackage{daveKP})
	require.NoError(t, err)

	// Not merged yet: local members unchanged.
	members, err := e.GetMembers("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice"}, members)

	require.NoError(t, e.MergePendingCommit("alice", result.MLSGroupID))

	members, err = e.GetMembers("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "dave"}, members)

	epoch, err := e.Epoch("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.EqualValues(t, 1, epoch)
}

func TestMergePendingCommitWithoutPendingCommitFails(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "solo"})
	require.NoError(t, err)

	err = e.MergePendingCommit("alice", result.MLSGroupID)
	require.Error(t, err)
}

func TestRemoveMembersDeactivatesWithoutDeletingHistory(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	bobKP, _ := keyPackageFor(t, "bob")
	result, err := e.CreateGroup("alice", creatorKeys, []KeyPackage{bobKP}, GroupConfig{Name: "g"})
	require.NoError(t, err)

	_, err = e.RemoveMembers("alice", result.MLSGroupID, []string{"bob"})
	require.NoError(t, err)
	require.NoError(t, e.MergePendingCommit("alice", result.MLSGroupID))

	members, err := e.GetMembers("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice"}, members)
}

func TestLeaveGroupDoesNotChangeMembershipLocally(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "g"})
	require.NoError(t, err)

	require.NoError(t, e.LeaveGroup("alice", result.MLSGroupID))

	members, err := e.GetMembers("alice", result.MLSGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice"}, members)
}

func TestCreateMessageRoundTripsThroughProcessMessage(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "g"})
	require.NoError(t, err)

	wire, err := e.CreateMessage("alice", result.MLSGroupID, []byte(`{"content":"hi"}`))
	require.NoError(t, err)

	isCommit, plaintext, err := e.ProcessMessage("alice", result.MLSGroupID, wire)
	require.NoError(t, err)
	require.False(t, isCommit)
	require.Equal(t, `{"content":"hi"}`, string(plaintext))
}

func TestProcessMessageRejectsEpochMismatch(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "g"})
	require.NoError(t, err)

	wire, err := e.CreateMessage("alice", result.MLSGroupID, []byte("hello"))
	require.NoError(t, err)

	daveKP, _ := keyPackageFor(t, "dave")
	_, err = e.AddMembers("alice", result.MLSGroupID, []KeyPackage{daveKP})
	require.NoError(t, err)
	require.NoError(t, e.MergePendingCommit("alice", result.MLSGroupID))

	// wire was sealed at epoch 0; local state has since advanced to epoch 1.
	_, _, err = e.ProcessMessage("alice", result.MLSGroupID, wire)
	require.Error(t, err)
}

func TestProcessMessageAppliesCommitEnvelope(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "g"})
	require.NoError(t, err)

	daveKP, _ := keyPackageFor(t, "dave")
	commitResult, err := e.AddMembers("alice", result.MLSGroupID, []KeyPackage{daveKP})
	require.NoError(t, err)
	require.NoError(t, e.MergePendingCommit("alice", result.MLSGroupID))

	wire, err := CommitMessage(commitResult.Commit)
	require.NoError(t, err)

	// A second account (say, bob) installed the group at epoch 0 and
	// receives the commit over the wire.
	bobWelcomeRumor := WelcomeRumorContent{MLSGroupID: result.MLSGroupID, NostrGroupID: result.NostrGroupID}
	content, err := json.Marshal(bobWelcomeRumor)
	require.NoError(t, err)
	_, err = e.ProcessWelcome("bob", content)
	require.NoError(t, err)

	isCommit, plaintext, err := e.ProcessMessage("bob", result.MLSGroupID, wire)
	require.NoError(t, err)
	require.True(t, isCommit)
	require.Nil(t, plaintext)

	epoch, err := e.Epoch("bob", result.MLSGroupID)
	require.NoError(t, err)
	require.EqualValues(t, 1, epoch)
}

func TestExporterSecretIsStableWithinAnEpoch(t *testing.T) {
	e := newTestEngine(t)
	creatorKeys, err := GenerateMemberKeys()
	require.NoError(t, err)
	result, err := e.CreateGroup("alice", creatorKeys, nil, GroupConfig{Name: "g"})
	require.NoError(t, err)

	a, err := e.ExporterSecret("alice", result.MLSGroupID, "whitenoise-media-aead")
	require.NoError(t, err)
	b, err := e.ExporterSecret("alice", result.MLSGroupID, "whitenoise-media-aead")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := e.ExporterSecret("alice", result.MLSGroupID, "whitenoise-mls-application")
	require.NoError(t, err)
	require.NotEqual(t, a, c, "distinct labels must derive distinct keys")
}
