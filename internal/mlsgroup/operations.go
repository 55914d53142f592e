package mlsgroup

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// CreateGroup creates a new group owned by creatorPubkey with the given
// members and config (spec §4.4). keyPackages must contain one entry per
// member pubkey (the caller is responsible for the KeyPackageMissing
// failure described in the spec — see DESIGN.md).
func (e *Engine) CreateGroup(creatorPubkey string, creator MemberKeys, members []KeyPackage, cfg GroupConfig) (CreateResult, error) {
	mlsGroupID, err := newMLSGroupID()
	if err != nil {
		return CreateResult{}, fmt.Errorf("mlsgroup: create group: %w", err)
	}
	nostrGroupID, err := newNostrGroupID()
	if err != nil {
		return CreateResult{}, fmt.Errorf("mlsgroup: create group: %w", err)
	}
	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return CreateResult{}, fmt.Errorf("mlsgroup: create group: %w", err)
	}

	s := &groupState{
		MLSGroupID:   mlsGroupID,
		NostrGroupID: nostrGroupID,
		Epoch:        0,
		EpochSecret:  epochSecret,
		Members: []memberEntry{{
			Pubkey: creatorPubkey, SigPub: creator.SigPub, InitPub: creator.InitPub,
			LeafIndex: 0, Active: true,
		}},
		OwnLeafIndex: 0,
		Name:         cfg.Name,
		Description:  cfg.Description,
		AdminPubkeys: cfg.Admins,
		Relays:       cfg.Relays,
	}

	welcomes := make(map[string]WelcomeRumorContent, len(members))
	for i, kp := range members {
		s.Members = append(s.Members, memberEntry{
			Pubkey: kp.Pubkey, SigPub: kp.SigPub, InitPub: kp.InitPub,
			LeafIndex: i + 1, Active: true,
		})
	}
	for i, kp := range members {
		welcomes[kp.Pubkey] = WelcomeRumorContent{
			MLSGroupID: mlsGroupID, NostrGroupID: nostrGroupID,
			Epoch: s.Epoch, EpochSecret: s.EpochSecret, Members: s.Members,
			LeafIndex: i + 1, Name: cfg.Name, Description: cfg.Description,
			AdminPubkeys: cfg.Admins, Relays: cfg.Relays,
			GroupName: cfg.Name, MemberCount: len(s.Members),
		}
	}

	if err := e.saveGroup(creatorPubkey, s); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{MLSGroupID: mlsGroupID, NostrGroupID: nostrGroupID, Welcomes: welcomes}, nil
}

// AddMembers fetches no key packages itself (the caller does, per spec
// §4.4's fallback discipline) and instead takes them as an argument. The
// resulting commit is cached as pending, not yet applied to the on-disk
// state — call MergePendingCommit to advance local state (spec §4.4:
// "Merge the pending commit locally before publishing").
func (e *Engine) AddMembers(accountPubkey string, mlsGroupID []byte, newMembers []KeyPackage) (CommitResult, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return CommitResult{}, err
	}
	next := *s
	next.Members = append([]memberEntry{}, s.Members...)

	welcomes := make(map[string]WelcomeRumorContent, len(newMembers))
	nextLeaf := len(next.Members)
	for _, kp := range newMembers {
		next.Members = append(next.Members, memberEntry{
			Pubkey: kp.Pubkey, SigPub: kp.SigPub, InitPub: kp.InitPub,
			LeafIndex: nextLeaf, Active: true,
		})
		nextLeaf++
	}
	advanceEpoch(&next)

	for _, kp := range newMembers {
		leaf := -1
		for _, m := range next.Members {
			if m.Pubkey == kp.Pubkey {
				leaf = m.LeafIndex
				break
			}
		}
		welcomes[kp.Pubkey] = WelcomeRumorContent{
			MLSGroupID: next.MLSGroupID, NostrGroupID: next.NostrGroupID,
			Epoch: next.Epoch, EpochSecret: next.EpochSecret, Members: next.Members,
			LeafIndex: leaf, Name: next.Name, Description: next.Description,
			AdminPubkeys: next.AdminPubkeys, Relays: next.Relays,
			GroupName: next.Name, MemberCount: len(next.Members),
		}
	}

	commit := CommitEnvelope{
		Epoch: next.Epoch, EpochSecret: next.EpochSecret, Members: next.Members,
		Name: next.Name, Description: next.Description,
		ImageHash: next.ImageHash, ImageKey: next.ImageKey, ImageNonce: next.ImageNonce,
		Admins: next.AdminPubkeys, Relays: next.Relays,
	}
	result := CommitResult{Commit: commit, Welcomes: welcomes}

	e.mu.Lock()
	e.pending[pendingKey(accountPubkey, mlsGroupID)] = result
	e.mu.Unlock()
	return result, nil
}

// RemoveMembers deactivates the named members. Epoch advances; the
// commit is cached pending like AddMembers.
func (e *Engine) RemoveMembers(accountPubkey string, mlsGroupID []byte, removePubkeys []string) (CommitResult, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return CommitResult{}, err
	}
	next := *s
	next.Members = append([]memberEntry{}, s.Members...)
	toRemove := make(map[string]bool, len(removePubkeys))
	for _, pk := range removePubkeys {
		toRemove[pk] = true
	}
	for i := range next.Members {
		if toRemove[next.Members[i].Pubkey] {
			next.Members[i].Active = false
		}
	}
	advanceEpoch(&next)

	commit := CommitEnvelope{
		Epoch: next.Epoch, EpochSecret: next.EpochSecret, Members: next.Members,
		Name: next.Name, Description: next.Description,
		ImageHash: next.ImageHash, ImageKey: next.ImageKey, ImageNonce: next.ImageNonce,
		Admins: next.AdminPubkeys, Relays: next.Relays,
	}
	result := CommitResult{Commit: commit}
	e.mu.Lock()
	e.pending[pendingKey(accountPubkey, mlsGroupID)] = result
	e.mu.Unlock()
	return result, nil
}

// UpdateGroupData changes name/description/relays/admins/image fields.
// Epoch advances since these fields travel inside MLS group state (spec
// §4.4's note that image key material "never [travels] in clear on
// relays").
func (e *Engine) UpdateGroupData(accountPubkey string, mlsGroupID []byte, name, description string, relays, admins []string, imageHash, imageKey, imageNonce string) (CommitResult, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return CommitResult{}, err
	}
	next := *s
	if name != "" {
		next.Name = name
	}
	if description != "" {
		next.Description = description
	}
	if relays != nil {
		next.Relays = relays
	}
	if admins != nil {
		next.AdminPubkeys = admins
	}
	if imageHash != "" {
		next.ImageHash, next.ImageKey, next.ImageNonce = imageHash, imageKey, imageNonce
	}
	advanceEpoch(&next)

	commit := CommitEnvelope{
		Epoch: next.Epoch, EpochSecret: next.EpochSecret, Members: next.Members,
		Name: next.Name, Description: next.Description,
		ImageHash: next.ImageHash, ImageKey: next.ImageKey, ImageNonce: next.ImageNonce,
		Admins: next.AdminPubkeys, Relays: next.Relays,
	}
	result := CommitResult{Commit: commit}
	e.mu.Lock()
	e.pending[pendingKey(accountPubkey, mlsGroupID)] = result
	e.mu.Unlock()
	return result, nil
}

// MergePendingCommit advances local on-disk state to match the most
// recently produced commit for (account, group) (spec §4.4: local state
// is merged before the evolution event is published, independent of
// whether the publish itself succeeds).
func (e *Engine) MergePendingCommit(accountPubkey string, mlsGroupID []byte) error {
	e.mu.Lock()
	result, ok := e.pending[pendingKey(accountPubkey, mlsGroupID)]
	delete(e.pending, pendingKey(accountPubkey, mlsGroupID))
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("mlsgroup: no pending commit for group %x", mlsGroupID)
	}

	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return err
	}
	s.Epoch = result.Commit.Epoch
	s.EpochSecret = result.Commit.EpochSecret
	s.Members = result.Commit.Members
	s.Name = result.Commit.Name
	s.Description = result.Commit.Description
	s.ImageHash = result.Commit.ImageHash
	s.ImageKey = result.Commit.ImageKey
	s.ImageNonce = result.Commit.ImageNonce
	s.AdminPubkeys = result.Commit.Admins
	s.Relays = result.Commit.Relays
	return e.saveGroup(accountPubkey, s)
}

// LeaveGroup marks a self-removal proposal. Per spec §4.4, local state
// does not actually change membership until an admin commits the removal.
// The PendingRemoval flag is only recorded: nothing in the engine reads it,
// and the account stays an active member in the interim.
func (e *Engine) LeaveGroup(accountPubkey string, mlsGroupID []byte) error {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return err
	}
	s.PendingRemoval = true
	return e.saveGroup(accountPubkey, s)
}

// ProcessWelcome installs a group from a decrypted welcome rumor (spec
// §4.2 GiftWrap case, §4.4).
func (e *Engine) ProcessWelcome(accountPubkey string, rumorContent []byte) ([]byte, error) {
	var w WelcomeRumorContent
	if err := json.Unmarshal(rumorContent, &w); err != nil {
		return nil, fmt.Errorf("mlsgroup: unmarshal welcome: %w", err)
	}
	s := &groupState{
		MLSGroupID: w.MLSGroupID, NostrGroupID: w.NostrGroupID,
		Epoch: w.Epoch, EpochSecret: w.EpochSecret, Members: w.Members,
		OwnLeafIndex: w.LeafIndex, Name: w.Name, Description: w.Description,
		AdminPubkeys: w.AdminPubkeys, Relays: w.Relays,
	}
	if err := e.saveGroup(accountPubkey, s); err != nil {
		return nil, err
	}
	return w.MLSGroupID, nil
}

// ApplyCommit installs a commit received over the wire (spec §4.2
// MlsGroupMessage case, when the decrypted application event is a commit).
func (e *Engine) ApplyCommit(accountPubkey string, mlsGroupID []byte, commit CommitEnvelope) error {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return err
	}
	if commit.Epoch <= s.Epoch {
		return nil // already up to date or stale, ignore
	}
	ownLeaf := s.OwnLeafIndex
	if ownLeaf < len(commit.Members) && !commit.Members[ownLeaf].Active {
		return fmt.Errorf("mlsgroup: commit removes own leaf %d, not applying", ownLeaf)
	}
	s.Epoch = commit.Epoch
	s.EpochSecret = commit.EpochSecret
	s.Members = commit.Members
	s.Name = commit.Name
	s.Description = commit.Description
	s.ImageHash, s.ImageKey, s.ImageNonce = commit.ImageHash, commit.ImageKey, commit.ImageNonce
	s.AdminPubkeys = commit.Admins
	s.Relays = commit.Relays
	return e.saveGroup(accountPubkey, s)
}

// ExporterSecret derives a context-bound secret from the current epoch
// secret (spec §4.4, §4.6). label distinguishes uses (application message
// AEAD keying vs. media AEAD keying).
func (e *Engine) ExporterSecret(accountPubkey string, mlsGroupID []byte, label string) ([]byte, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return nil, err
	}
	return exportSecret(s.EpochSecret, []byte(label), nil, 32), nil
}

// GetRelays returns the group's configured relay set.
func (e *Engine) GetRelays(accountPubkey string, mlsGroupID []byte) ([]string, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return nil, err
	}
	return s.Relays, nil
}

// GetMembers returns the active member pubkeys.
func (e *Engine) GetMembers(accountPubkey string, mlsGroupID []byte) ([]string, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range s.Members {
		if m.Active {
			out = append(out, m.Pubkey)
		}
	}
	return out, nil
}

// Epoch returns the group's current epoch number.
func (e *Engine) Epoch(accountPubkey string, mlsGroupID []byte) (uint64, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return 0, err
	}
	return s.Epoch, nil
}
