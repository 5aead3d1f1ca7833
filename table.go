package loom

import (
	"context"
	"sync"
)

// valueTable is spec.md §4.D's remote-value table: the owner-side map
// from RRID to RemoteValue, guarded by a single lock (spec.md §4.A: "all
// access to refs is serialized by a single registry lock; holding the
// registry lock must not call any user code nor block on network I/O").
//
// Grounded on registry.go's `claims map[string]map[MailboxID]voidtype`
// under one sync.Mutex, generalized from name->mailboxset to
// RRID->RemoteValue. Deliberately NOT grounded on registry.go's Serve()
// actor-loop dispatch: that pattern round-trips every operation through
// a channel send/receive, which would turn lookup_or_create's required
// synchronous return into a hidden suspension point under lock — exactly
// what §4.A forbids. See DESIGN.md for the full rationale.
type valueTable struct {
	mu    sync.Mutex
	cells map[rridKey]*RemoteValue
	seq   sequence
	self  NodeID
}

func newValueTable() *valueTable {
	return &valueTable{cells: make(map[rridKey]*RemoteValue)}
}

// newRRID mints a fresh id owned by this node.
func (t *valueTable) newRRID() RRID {
	return RRID{Whence: t.self, ID: t.seq.allocate(), Where: t.self}
}

// factory produces the backing channel for a newly created cell.
type factory func() valueChannel

func defaultFactory() valueChannel { return newUnboundedChannel() }

// lookupOrCreate returns the cell for rrid, creating it via f if absent
// and inserting rrid.Whence into its clientset (spec.md §4.D). f
// defaults to an unbounded channel<any> when nil.
func (t *valueTable) lookupOrCreate(rrid RRID, f factory) *RemoteValue {
	if f == nil {
		f = defaultFactory
	}
	key := rrid.key()

	t.mu.Lock()
	defer t.mu.Unlock()
	if cell, ok := t.cells[key]; ok {
		return cell
	}
	cell := newRemoteValue(rrid, f(), rrid.Whence)
	t.cells[key] = cell
	return cell
}

// lookup returns the cell for rrid if it currently exists, without
// creating one.
func (t *valueTable) lookup(rrid RRID) (*RemoteValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cell, ok := t.cells[rrid.key()]
	return cell, ok
}

func (t *valueTable) addClient(rrid RRID, pid NodeID) {
	cell, ok := t.lookup(rrid)
	if !ok {
		return
	}
	cell.addClient(pid)
}

// delClient removes pid from rrid's clientset, destroying the cell (and
// removing it from the table) if that empties the clientset.
func (t *valueTable) delClient(rrid RRID, pid NodeID) {
	t.mu.Lock()
	cell, ok := t.cells[rrid.key()]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if cell.delClient(pid) {
		t.mu.Lock()
		if c2, ok := t.cells[rrid.key()]; ok && c2 == cell {
			delete(t.cells, rrid.key())
		}
		t.mu.Unlock()
	}
}

// putInto forwards to the cell's put, which itself forwards to the
// backing channel. For Futures the backing channel is a futureChannel,
// whose Put already enforces "errors if already ready"; for
// RemoteChannels it enforces backpressure per the channel's own
// capacity; for an Unbuffered RemoteChannel, put additionally
// participates in the cell's synctake discipline (cell.go, spec.md
// §4.D).
func (t *valueTable) putInto(ctx context.Context, rrid RRID, v interface{}) error {
	cell, ok := t.lookup(rrid)
	if !ok {
		return ErrCellDestroyed
	}
	return cell.put(ctx, v)
}

// takeFrom forwards to the cell's take. The returned release must be
// called once the taken value has been fully handed to its caller (a
// local return, or a serialized wire response); it is a no-op unless
// the cell is backed by an Unbuffered channel, in which case holding
// off on calling it keeps a concurrent local put() blocked, per
// cell.go's synctake discipline.
func (t *valueTable) takeFrom(ctx context.Context, rrid RRID) (v interface{}, release func(), err error) {
	cell, ok := t.lookup(rrid)
	if !ok {
		return nil, func() {}, ErrCellDestroyed
	}
	return cell.take(ctx)
}

func (t *valueTable) fetchFrom(ctx context.Context, rrid RRID) (interface{}, error) {
	cell, ok := t.lookup(rrid)
	if !ok {
		return nil, ErrCellDestroyed
	}
	return cell.ch.Fetch(ctx)
}

func (t *valueTable) isReady(rrid RRID) bool {
	cell, ok := t.lookup(rrid)
	if !ok {
		return false
	}
	return cell.ch.IsReady()
}

func (t *valueTable) isEmpty(rrid RRID) bool {
	cell, ok := t.lookup(rrid)
	if !ok {
		return true
	}
	return cell.ch.IsEmpty()
}

func (t *valueTable) isOpen(rrid RRID) bool {
	cell, ok := t.lookup(rrid)
	if !ok {
		return false
	}
	return cell.ch.IsOpen()
}

func (t *valueTable) closeCell(rrid RRID) {
	cell, ok := t.lookup(rrid)
	if !ok {
		return
	}
	cell.ch.Close()
}
