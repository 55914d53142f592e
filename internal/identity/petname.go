package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// petnameAdjectives/petnameNouns ground a two-word petname generator
// matching original_source's setup_metadata (accounts/core.rs):
// `petname::petname(2, " ")` split on whitespace and each word
// capitalized. No petname-style word-list library appears anywhere in the
// example pack (see DESIGN.md), so this core carries its own short list —
// the one stdlib-only concern in this package.
var petnameAdjectives = [...]string{
	"Amber", "Bold", "Calm", "Daring", "Eager", "Frosty", "Gentle", "Honest",
	"Iron", "Jolly", "Keen", "Lively", "Mellow", "Nimble", "Open", "Proud",
	"Quiet", "Ready", "Sunny", "Tidy", "Upbeat", "Vivid", "Warm", "Zesty",
}

var petnameNouns = [...]string{
	"Badger", "Crane", "Dolphin", "Ember", "Falcon", "Gecko", "Heron",
	"Ibis", "Jackal", "Koala", "Lynx", "Marten", "Newt", "Otter", "Panther",
	"Quokka", "Raven", "Sparrow", "Tapir", "Urchin", "Viper", "Wombat",
	"Yak", "Zebra",
}

// generatePetname builds a two-word, space-separated, capitalized petname
// ("Amber Falcon") used as both metadata.name and metadata.display_name
// on account creation.
func generatePetname() (string, error) {
	adj, err := randomChoice(petnameAdjectives[:])
	if err != nil {
		return "", fmt.Errorf("identity: generate petname: %w", err)
	}
	noun, err := randomChoice(petnameNouns[:])
	if err != nil {
		return "", fmt.Errorf("identity: generate petname: %w", err)
	}
	return capitalizeFirst(adj) + " " + capitalizeFirst(noun), nil
}

// randomChoice picks a uniformly random element of words, grounded on the
// teacher's pickPreviousTags (nostr.go), which also uses crypto/rand.Int
// with math/big rather than math/rand for this kind of selection.
func randomChoice(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
