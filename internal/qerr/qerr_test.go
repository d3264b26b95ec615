package qerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindPropagatesThroughWrapping(t *testing.T) {
	base := New(KindDuplicateKey, "key %q", "users:1")
	wrapped := fmt.Errorf("insert failed: %w", base)

	assert.True(t, Is(wrapped, KindDuplicateKey))
	assert.False(t, Is(wrapped, KindDeadlock))
	assert.Equal(t, KindDuplicateKey, KindOf(wrapped))
}

func TestWrapChainsCauses(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(KindIO, cause, "write page %d", 7)
	require.Error(t, err)
	assert.True(t, Is(err, KindIO))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "IoError")
	assert.Contains(t, err.Error(), "write page 7")

	assert.Nil(t, Wrap(KindIO, nil, "no-op"))
}

func TestNestedKinds(t *testing.T) {
	inner := New(KindChecksumMismatch, "page 3")
	outer := Wrap(KindIO, inner, "read path")
	assert.True(t, Is(outer, KindIO))
	assert.True(t, Is(outer, KindChecksumMismatch))
	assert.Equal(t, KindIO, KindOf(outer))
}
