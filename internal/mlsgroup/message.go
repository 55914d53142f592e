package mlsgroup

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// applicationMessageLabel distinguishes application-message AEAD keying
// from media AEAD keying (internal/media derives its own key under
// "whitenoise-media-aead" via the same ExporterSecret), both HKDF-bound to
// the same epoch secret but for different purposes (spec §4.4, §4.6).
const applicationMessageLabel = "whitenoise-mls-application"

type envelopeType string

const (
	envelopeApplication envelopeType = "application"
	envelopeCommit       envelopeType = "commit"
)

// MessageEnvelope is the JSON content of every kind-444 group message event
// (spec §6): either a sealed application message or a not-yet-merged
// commit, so the router can tell the two apart without first decrypting
// anything (spec §4.2 MlsGroupMessage case).
type MessageEnvelope struct {
	Type       envelopeType    `json:"type"`
	Epoch      uint64          `json:"epoch"`
	Nonce      []byte          `json:"nonce,omitempty"`
	Ciphertext []byte          `json:"ciphertext,omitempty"`
	Commit     *CommitEnvelope `json:"commit,omitempty"`
}

// CreateMessage encrypts plaintext as an application message at the
// group's current epoch (spec §4.4 create_message), ready to become a
// kind-444 event's content.
func (e *Engine) CreateMessage(accountPubkey string, mlsGroupID []byte, plaintext []byte) ([]byte, error) {
	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return nil, err
	}
	key := exportSecret(s.EpochSecret, []byte(applicationMessageLabel), nil, 32)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("mlsgroup: create message: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mlsgroup: create message: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	env := MessageEnvelope{Type: envelopeApplication, Epoch: s.Epoch, Nonce: nonce, Ciphertext: ciphertext}
	return json.Marshal(env)
}

// CommitMessage wraps a not-yet-merged CommitEnvelope for publication as a
// kind-444 event (spec §4.4: the commit is merged locally, then published;
// MergePendingCommit drives the local merge, this only builds the wire
// content for the matching publish).
func CommitMessage(commit CommitEnvelope) ([]byte, error) {
	env := MessageEnvelope{Type: envelopeCommit, Epoch: commit.Epoch, Commit: &commit}
	return json.Marshal(env)
}

// ProcessMessage decrypts an inbound kind-444 event's content (spec §4.2
// MlsGroupMessage case; spec §4.4 process_message). A commit envelope is
// applied via ApplyCommit and reported with isCommit=true and a nil
// plaintext. An application message whose epoch doesn't match local state
// returns an error without mutating anything — the router retries it with
// backoff until the missing commit arrives or retries are exhausted (spec
// §5: "MLS itself rejects out-of-epoch application messages").
func (e *Engine) ProcessMessage(accountPubkey string, mlsGroupID []byte, wireContent []byte) (isCommit bool, plaintext []byte, err error) {
	var env MessageEnvelope
	if err := json.Unmarshal(wireContent, &env); err != nil {
		return false, nil, fmt.Errorf("mlsgroup: process message: unmarshal: %w", err)
	}

	if env.Type == envelopeCommit {
		if env.Commit == nil {
			return false, nil, fmt.Errorf("mlsgroup: process message: commit envelope missing commit")
		}
		return true, nil, e.ApplyCommit(accountPubkey, mlsGroupID, *env.Commit)
	}

	s, err := e.loadGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return false, nil, err
	}
	if env.Epoch != s.Epoch {
		return false, nil, fmt.Errorf("mlsgroup: application message at epoch %d, local epoch %d (awaiting commit)", env.Epoch, s.Epoch)
	}
	key := exportSecret(s.EpochSecret, []byte(applicationMessageLabel), nil, 32)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return false, nil, fmt.Errorf("mlsgroup: process message: %w", err)
	}
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return false, nil, fmt.Errorf("mlsgroup: decrypt application message: %w", err)
	}
	return false, pt, nil
}
