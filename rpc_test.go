package loom

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrpc/loom/internal/wire"
)

// TestRemoteCallFetchTracksWaitingCell exercises spec.md §3's waitingfor
// bookkeeping ("used only for call-fetch/call-wait bookkeeping"): the
// cell backing RemoteCallFetch's result must record which node it is
// waiting on for the duration of the call and clear it once the result
// has arrived.
func TestRemoteCallFetchTracksWaitingCell(t *testing.T) {
	pg := newTestProcessGroup(1)
	started := make(chan struct{})
	release := make(chan struct{})
	RegisterFunction("rpc_test.waiting_probe", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		close(started)
		<-release
		return "done", nil
	})

	done := make(chan struct{})
	var cell *RemoteValue
	go func() {
		defer close(done)
		v, err := RemoteCallFetch(context.Background(), pg, pg.self, "rpc_test.waiting_probe", nil)
		require.NoError(t, err)
		assert.Equal(t, "done", v)
	}()

	<-started
	pg.table.mu.Lock()
	for _, c := range pg.table.cells {
		if c.hasWaiter && c.waitingfor == pg.self {
			cell = c
		}
	}
	pg.table.mu.Unlock()
	require.NotNil(t, cell, "RemoteCallFetch must register its result cell as waiting on the callee")

	close(release)
	<-done

	cell.mu.Lock()
	waiting := cell.hasWaiter
	cell.mu.Unlock()
	assert.False(t, waiting, "the cell must clear its waiter once the result has been delivered")
}

func TestRemoteCallFetchLocalRoundTrip(t *testing.T) {
	pg := newTestProcessGroup(1)
	RegisterFunction("rpc_test.double", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		n, _ := args[0].(int)
		return n * 2, nil
	})

	v, err := RemoteCallFetch(context.Background(), pg, pg.self, "rpc_test.double", 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRemoteCallFetchPropagatesUserError(t *testing.T) {
	pg := newTestProcessGroup(1)
	RegisterFunction("rpc_test.fails", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})

	_, err := RemoteCallFetch(context.Background(), pg, pg.self, "rpc_test.fails", nil)
	require.Error(t, err)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "boom")
}

func TestRemoteCallFetchRecoversPanic(t *testing.T) {
	pg := newTestProcessGroup(1)
	RegisterFunction("rpc_test.panics", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		panic("kaboom")
	})

	_, err := RemoteCallFetch(context.Background(), pg, pg.self, "rpc_test.panics", nil)
	require.Error(t, err)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "kaboom")
	assert.NotEmpty(t, re.Stack)
}

func TestRemoteCallUnknownFunction(t *testing.T) {
	pg := newTestProcessGroup(1)
	_, err := RemoteCallFetch(context.Background(), pg, pg.self, "rpc_test.nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such function")
}

func TestRemoteCallReturnsFutureAsynchronously(t *testing.T) {
	pg := newTestProcessGroup(1)
	release := make(chan struct{})
	RegisterFunction("rpc_test.waits", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		<-release
		return "done", nil
	})

	f, err := RemoteCall(context.Background(), pg, pg.self, "rpc_test.waits", nil)
	require.NoError(t, err)
	assert.False(t, f.IsReady(pg))

	close(release)
	v, err := f.Fetch(context.Background(), pg)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestRemoteCallWaitBlocksUntilCalleeFinishes(t *testing.T) {
	pg := newTestProcessGroup(1)
	started := make(chan struct{})
	release := make(chan struct{})
	RegisterFunction("rpc_test.slow", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		close(started)
		<-release
		return "finished", nil
	})

	done := make(chan *Future)
	go func() {
		f, err := RemoteCallWait(context.Background(), pg, pg.self, "rpc_test.slow", nil)
		require.NoError(t, err)
		done <- f
	}()

	<-started
	select {
	case <-done:
		t.Fatal("RemoteCallWait returned before the callee finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case f := <-done:
		v, err := f.Fetch(context.Background(), pg)
		require.NoError(t, err)
		assert.Equal(t, "finished", v)
	case <-time.After(time.Second):
		t.Fatal("RemoteCallWait never returned after the callee finished")
	}
}

// TestRemoteCallWaitTracksWaitingCell mirrors
// TestRemoteCallFetchTracksWaitingCell for the notify cell backing
// RemoteCallWait: it must show a waiter for the callee's node while the
// callee is still running and clear it once notified.
func TestRemoteCallWaitTracksWaitingCell(t *testing.T) {
	pg := newTestProcessGroup(1)
	started := make(chan struct{})
	release := make(chan struct{})
	RegisterFunction("rpc_test.wait_waiting_probe", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		close(started)
		<-release
		return "finished", nil
	})

	done := make(chan *Future)
	go func() {
		f, err := RemoteCallWait(context.Background(), pg, pg.self, "rpc_test.wait_waiting_probe", nil)
		require.NoError(t, err)
		done <- f
	}()

	<-started
	var cell *RemoteValue
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pg.table.mu.Lock()
		for _, c := range pg.table.cells {
			if c.hasWaiter && c.waitingfor == pg.self {
				cell = c
			}
		}
		pg.table.mu.Unlock()
		if cell != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, cell, "RemoteCallWait must register its notify cell as waiting on the callee")

	close(release)
	<-done

	cell.mu.Lock()
	waiting := cell.hasWaiter
	cell.mu.Unlock()
	assert.False(t, waiting, "the notify cell must clear its waiter once notified")
}

func TestRemoteDoFireAndForget(t *testing.T) {
	pg := newTestProcessGroup(1)
	done := make(chan struct{})
	RegisterFunction("rpc_test.remote_do", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		close(done)
		return nil, nil
	})

	require.NoError(t, RemoteDo(pg, pg.self, "rpc_test.remote_do", nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RemoteDo never invoked the registered function")
	}
}

// TestRemoteFuncSeesDispatchingGroup verifies the ctx handed to a
// RemoteFunc carries the ProcessGroup the inbound call was dispatched
// against (via WithGroup), so a nested cluster-facing call made from
// inside the function resolves role=default against that group rather
// than whatever the process's outer default happens to be.
func TestRemoteFuncSeesDispatchingGroup(t *testing.T) {
	pg := newTestProcessGroup(5)
	seen := make(chan *ProcessGroup, 1)
	RegisterFunction("rpc_test.observe_group", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		seen <- PGRP(ctx, RoleDefault)
		return nil, nil
	})

	_, err := RemoteCallFetch(context.Background(), pg, pg.self, "rpc_test.observe_group", nil)
	require.NoError(t, err)
	assert.Same(t, pg, <-seen)
}

// slowWriteConn delays every Write by a fixed duration, used below to
// widen the window between a take's native channel rendezvous and the
// ResultMsg actually reaching the wire, so a synctake release that fires
// too early has time to let a racing Put slip through.
type slowWriteConn struct {
	net.Conn
	delay time.Duration
}

func (c *slowWriteConn) Write(b []byte) (int, error) {
	time.Sleep(c.delay)
	return c.Conn.Write(b)
}

// TestBuiltinTakeChannelReleasesSynctakeOnlyAfterWireDelivery exercises
// spec.md §4.D's synctake discipline across a genuine cross-node take:
// unlike TestRemoteValueSynctakeBlocksPutUntilTakeReleases (cell_test.go)
// and TestUnbufferedRemoteChannelRendezvous (remotechannel_test.go),
// which both construct their RemoteChannel with pid == pg.self, this
// test has node 2 take! from an Unbuffered channel owned by node 1 over
// a real pair of WorkerLinks. Node 1's outbound write is artificially
// slowed so a concurrent local Put on node 1 has a wide window to race
// ahead of the in-flight ResultMsg if builtinTakeChannel ever went back
// to releasing synctake before deliverResult's link.sendMsg completes.
func TestBuiltinTakeChannelReleasesSynctakeOnlyAfterWireDelivery(t *testing.T) {
	pg1 := newTestProcessGroup(1)
	pg2 := newTestProcessGroup(2)

	c1, c2 := net.Pipe()
	const sendDelay = 150 * time.Millisecond
	link1 := newWorkerLink(pg1, 2, &slowWriteConn{Conn: c1, delay: sendDelay}, NullLogger)
	link1.markInitialized()
	pg1.setLink(2, link1)

	link2 := newWorkerLink(pg2, 1, c2, NullLogger)
	link2.markInitialized()
	pg2.setLink(1, link2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link1.readLoop(ctx, func(peer NodeID, header wire.Header, body wire.Body) {
		dispatchIncoming(pg1, peer, header, body)
	})
	go link2.readLoop(ctx, func(peer NodeID, header wire.Header, body wire.Body) {
		dispatchIncoming(pg2, peer, header, body)
	})

	rc := NewRemoteChannel(pg1, pg1.self, Unbuffered)
	remote, _ := pg2.handles.canonicalizeChannel(pg2, &RemoteChannel{rrid: rc.RRID()})

	takeDone := make(chan struct{})
	var takenVal interface{}
	go func() {
		v, err := remote.Take(context.Background(), pg2)
		require.NoError(t, err)
		takenVal = v
		close(takeDone)
	}()

	// Let the take request reach node 1 and block inside
	// builtinTakeChannel awaiting a value.
	time.Sleep(20 * time.Millisecond)

	putDone := make(chan struct{})
	go func() {
		require.NoError(t, rc.Put(context.Background(), pg1, "hello"))
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("Put returned before the taken value was serialized onto the wire back to node 2")
	case <-time.After(sendDelay / 2):
	}

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("Put never returned once the wire send completed")
	}

	select {
	case <-takeDone:
	case <-time.After(time.Second):
		t.Fatal("cross-node take never completed")
	}
	assert.Equal(t, "hello", takenVal)
}
