package loom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeFutureMergesCachedValue(t *testing.T) {
	pg := newTestProcessGroup(1)
	rrid := RRID{Whence: 2, ID: 5, Where: 2}

	first := &Future{rrid: rrid}
	canon1, dup1 := pg.handles.canonicalizeFuture(pg, first, false)
	assert.False(t, dup1)
	assert.Same(t, first, canon1)

	// A second decode of the same rrid arrives already populated with a
	// value (as happens when a set Future is serialized and handed to
	// another node); canonicalization must merge that value into the
	// surviving handle exactly once.
	second := &Future{rrid: rrid, set: true, val: "cached"}
	canon2, dup2 := pg.handles.canonicalizeFuture(pg, second, true)
	assert.True(t, dup2)
	assert.Same(t, canon1, canon2)
	assert.Equal(t, "cached", canon1.val)

	// A later cached decode must not clobber an already-set value.
	third := &Future{rrid: rrid, set: true, val: "stale"}
	pg.handles.canonicalizeFuture(pg, third, true)
	assert.Equal(t, "cached", canon1.val)
}

func TestCanonicalizeChannelDedups(t *testing.T) {
	pg := newTestProcessGroup(1)
	rrid := RRID{Whence: 2, ID: 6, Where: 2}

	first := &RemoteChannel{rrid: rrid}
	canon1, dup1 := pg.handles.canonicalizeChannel(pg, first)
	assert.False(t, dup1)

	second := &RemoteChannel{rrid: rrid}
	canon2, dup2 := pg.handles.canonicalizeChannel(pg, second)
	assert.True(t, dup2)
	assert.Same(t, canon1, canon2)
}

func TestForgetRemovesFromHandleTable(t *testing.T) {
	pg := newTestProcessGroup(1)
	rrid := RRID{Whence: 2, ID: 7, Where: 2}

	f := &Future{rrid: rrid}
	pg.handles.canonicalizeFuture(pg, f, false)
	pg.handles.forgetFuture(rrid)

	// A forgotten rrid is no longer deduped: a fresh handle for the same
	// rrid becomes its own canonical copy.
	f2 := &Future{rrid: rrid}
	canon, dup := pg.handles.canonicalizeFuture(pg, f2, false)
	assert.False(t, dup)
	assert.Same(t, f2, canon)
}
