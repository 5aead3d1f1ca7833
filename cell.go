package loom

import (
	"context"
	"sync"
)

// RemoteValue is the owner-side cell backing one RRID: spec.md §3's
// "owner-side cell" and §4.D's row in the remote-value table. Grounded
// on registry.go's claim bookkeeping generalized from a name string to
// an RRID, with the channel abstraction (channel.go) standing in for
// the value storage a Julia Channel/RemoteChannel provides natively.
type RemoteValue struct {
	rrid RRID
	ch   valueChannel

	mu         sync.Mutex
	clientset  map[NodeID]struct{}
	waitingfor NodeID
	hasWaiter  bool

	// synctake serializes a remote take against a concurrent local put
	// so the value cannot be lost to GC between the two, per spec.md
	// §4.D's synctake mutex. Only meaningful when unbuffered is set;
	// see put/take below.
	synctake   sync.Mutex
	unbuffered bool
}

func newRemoteValue(rrid RRID, ch valueChannel, firstClient NodeID) *RemoteValue {
	_, unbuffered := ch.(*unbufferedChannel)
	return &RemoteValue{
		rrid:       rrid,
		ch:         ch,
		clientset:  map[NodeID]struct{}{firstClient: {}},
		unbuffered: unbuffered,
	}
}

// put forwards to the backing channel. On an unbuffered channel it
// additionally waits for synctake after the handoff completes, so that
// this call cannot return to a caller who might immediately drop its
// last local reference (triggering the finalizer/del-client path) while
// a concurrent take is still serializing the just-handed-off value onto
// the wire.
func (rv *RemoteValue) put(ctx context.Context, v interface{}) error {
	if err := rv.ch.Put(ctx, v); err != nil {
		return err
	}
	if rv.unbuffered {
		rv.synctake.Lock()
		rv.synctake.Unlock()
	}
	return nil
}

// take forwards to the backing channel. On an unbuffered channel,
// synctake is acquired before the underlying Take and held across the
// call; release must be invoked once the taken value has been fully
// handed off to its caller (e.g. written to the network), per spec.md
// §4.D, unblocking any put() waiting on the same lock. take on any
// other channel kind returns a no-op release.
func (rv *RemoteValue) take(ctx context.Context) (v interface{}, release func(), err error) {
	if !rv.unbuffered {
		v, err = rv.ch.Take(ctx)
		return v, func() {}, err
	}
	rv.synctake.Lock()
	v, err = rv.ch.Take(ctx)
	if err != nil {
		rv.synctake.Unlock()
		return nil, func() {}, err
	}
	return v, rv.synctake.Unlock, nil
}

func (rv *RemoteValue) addClient(pid NodeID) {
	rv.mu.Lock()
	rv.clientset[pid] = struct{}{}
	rv.mu.Unlock()
}

// delClient removes pid from the clientset and reports whether the cell
// is now empty and should be destroyed (spec.md §3 invariant 2).
func (rv *RemoteValue) delClient(pid NodeID) (empty bool) {
	rv.mu.Lock()
	delete(rv.clientset, pid)
	empty = len(rv.clientset) == 0
	rv.mu.Unlock()
	return empty
}

func (rv *RemoteValue) setWaiting(pid NodeID) {
	rv.mu.Lock()
	rv.waitingfor = pid
	rv.hasWaiter = true
	rv.mu.Unlock()
}

func (rv *RemoteValue) clearWaiting() {
	rv.mu.Lock()
	rv.hasWaiter = false
	rv.mu.Unlock()
}
