package loom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteValueClientsetLifecycle(t *testing.T) {
	rrid := RRID{Whence: 1, ID: 1, Where: 1}
	rv := newRemoteValue(rrid, newUnboundedChannel(), 1)

	rv.addClient(2)
	assert.False(t, rv.delClient(2), "cell should not be empty while node 1 still holds it")
	assert.True(t, rv.delClient(1), "cell should report empty once the last client is removed")

	// Double-removal of an already-absent client should not panic and
	// should still report empty.
	assert.True(t, rv.delClient(1))
}

func TestRemoteValueWaiterBookkeeping(t *testing.T) {
	rv := newRemoteValue(RRID{Whence: 1, ID: 1, Where: 1}, newUnboundedChannel(), 1)
	assert.False(t, rv.hasWaiter)

	rv.setWaiting(2)
	assert.True(t, rv.hasWaiter)
	assert.Equal(t, NodeID(2), rv.waitingfor)

	rv.clearWaiting()
	assert.False(t, rv.hasWaiter)
}

// TestRemoteValueSynctakeBlocksPutUntilTakeReleases exercises spec.md
// §4.D's "at-most-once take on unbuffered" property directly against
// RemoteValue.put/take: a local put on an unbuffered cell must not
// return until whoever is servicing the concurrent take has finished
// handing the value off (signaled here by calling release), so that a
// caller who drops its last reference to the cell right after put
// returns can never race a take that has not yet delivered the value.
func TestRemoteValueSynctakeBlocksPutUntilTakeReleases(t *testing.T) {
	rrid := RRID{Whence: 1, ID: 1, Where: 1}
	rv := newRemoteValue(rrid, newUnbufferedChannel(), 1)

	putDone := make(chan struct{})
	go func() {
		require.NoError(t, rv.put(context.Background(), "v"))
		close(putDone)
	}()

	v, release, err := rv.take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	select {
	case <-putDone:
		t.Fatal("put returned before the take released synctake")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("put never returned after take released synctake")
	}
}
