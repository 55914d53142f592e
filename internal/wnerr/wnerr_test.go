package wnerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(Storage, "store.get", cause)

	require.ErrorIs(t, err, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "store.get")
	assert.Contains(t, err.Error(), "storage")
}

func TestErrorIsComparesKindNotCause(t *testing.T) {
	a := New(NotFound, "store.get_welcome", errors.New("no rows"))
	b := New(NotFound, "store.get_account", errors.New("different cause"))
	c := New(Protocol, "mls.process_message", errors.New("no rows"))

	assert.True(t, errors.Is(a, b), "same kind, different op/cause should still match")
	assert.False(t, errors.Is(a, c), "different kind should not match")
}

func TestKindOfDefaultsToStorage(t *testing.T) {
	assert.Equal(t, Storage, KindOf(errors.New("plain error")))
	assert.Equal(t, Protocol, KindOf(New(Protocol, "op", nil)))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{InvalidInput, true},
		{NotFound, true},
		{AuthZ, true},
		{Protocol, true},
		{Network, true},
		{Storage, false},
		{Integrity, false},
	}
	for _, c := range cases {
		got := IsRetryable(New(c.kind, "op", nil))
		assert.Equalf(t, c.retryable, got, "kind %s", c.kind)
	}
	// A bare error defaults to Storage, so it must not be retryable.
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestNotFoundfAndInvalidInputf(t *testing.T) {
	nf := NotFoundf("store.get_user", "user %s not found", "abc123")
	assert.Equal(t, NotFound, nf.Kind)
	assert.Contains(t, nf.Error(), "abc123")

	ii := InvalidInputf("whitenoise.process_group_message", "missing %s tag", "h")
	assert.Equal(t, InvalidInput, ii.Kind)
	assert.Contains(t, ii.Error(), "missing h tag")
}
