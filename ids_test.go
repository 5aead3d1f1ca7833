package loom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleString(t *testing.T) {
	assert.Equal(t, "default", RoleDefault.String())
	assert.Equal(t, "master", RoleMaster.String())
	assert.Equal(t, "worker", RoleWorker.String())
	assert.Equal(t, "default", Role(99).String())
}

func TestRRIDNilAndKey(t *testing.T) {
	var zero RRID
	assert.True(t, zero.IsNil())

	r := RRID{Whence: 1, ID: 42, Where: 2}
	assert.False(t, r.IsNil())
	assert.Equal(t, "<1:42>@2", r.String())

	// Where is excluded from identity: two RRIDs differing only in Where
	// must produce the same key.
	other := RRID{Whence: 1, ID: 42, Where: 7}
	assert.Equal(t, r.key(), other.key())

	distinct := RRID{Whence: 1, ID: 43, Where: 2}
	assert.NotEqual(t, r.key(), distinct.key())
}

func TestSequenceAllocateNeverZero(t *testing.T) {
	var seq sequence
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := seq.allocate()
		require.NotZero(t, id)
		require.False(t, seen[id], "sequence produced a duplicate id")
		seen[id] = true
	}
}
