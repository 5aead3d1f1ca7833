package loom

import "context"

// This file implements spec.md §4.E's RemoteChannel operations: unlike
// Future, no local value cache exists, so every operation but RRID()
// goes to the owner's table: directly when this node is the owner, via
// callOnOwner otherwise. Grounded on the same Mailbox
// cond-variable pattern as future.go, generalized to the multi-value,
// no-cache case.

// ChannelCapacity selects a RemoteChannel's backing store: zero means
// unbounded (spec.md §4.D's default factory), a positive value is a
// bounded queue of that size, and Unbuffered requests a true
// synchronous handoff where put! blocks until a concurrent take!
// receives the value directly.
type ChannelCapacity int

const (
	Unbounded  ChannelCapacity = 0
	Unbuffered ChannelCapacity = -1
)

// NewRemoteChannel creates a RemoteChannel owned by pid with the given
// capacity (spec.md's RemoteChannel(pid) / RemoteChannel(pid, sz)).
func NewRemoteChannel(pg *ProcessGroup, pid NodeID, capacity ChannelCapacity) *RemoteChannel {
	rrid := RRID{Whence: pg.self, ID: pg.table.seq.allocate(), Where: pid}
	if pid == pg.self {
		pg.table.lookupOrCreate(rrid, func() valueChannel {
			switch {
			case capacity == Unbuffered:
				return newUnbufferedChannel()
			case capacity <= 0:
				return newUnboundedChannel()
			default:
				return newBoundedChannel(int(capacity))
			}
		})
	}
	rc := &RemoteChannel{rrid: rrid}
	canon, _ := pg.handles.canonicalizeChannel(pg, rc)
	return canon
}

// RRID returns the reference identity backing rc, for callers (such as
// pool.go's CachingPool) that need to hand the channel's identity to a
// builtin explicitly rather than the RemoteChannel value itself.
func (rc *RemoteChannel) RRID() RRID { return rc.rrid }

// Put implements put!(RemoteChannel rc, v).
func (rc *RemoteChannel) Put(ctx context.Context, pg *ProcessGroup, v interface{}) error {
	if rc.rrid.Where == pg.self {
		channelCell(pg, rc.rrid)
		return pg.table.putInto(ctx, rc.rrid, v)
	}
	_, err := callOnOwner(ctx, pg, rc.rrid.Where, "loom.put_channel", rc.rrid, v)
	return err
}

// Take implements take!(rc): removes and returns the next value,
// blocking until one is available or the channel closes.
func (rc *RemoteChannel) Take(ctx context.Context, pg *ProcessGroup) (interface{}, error) {
	if rc.rrid.Where == pg.self {
		channelCell(pg, rc.rrid)
		v, release, err := pg.table.takeFrom(ctx, rc.rrid)
		release()
		return v, err
	}
	v, err := callOnOwner(ctx, pg, rc.rrid.Where, "loom.take_channel", rc.rrid)
	if err != nil {
		return nil, err
	}
	if re, ok := v.(*RemoteError); ok {
		return nil, re
	}
	return v, nil
}

// Fetch implements fetch(rc): peeks the next value without consuming
// it.
func (rc *RemoteChannel) Fetch(ctx context.Context, pg *ProcessGroup) (interface{}, error) {
	if rc.rrid.Where == pg.self {
		channelCell(pg, rc.rrid)
		return pg.table.fetchFrom(ctx, rc.rrid)
	}
	return callOnOwner(ctx, pg, rc.rrid.Where, "loom.fetch_ref", rc.rrid)
}

// IsReady reports whether a value is available to Take without
// blocking.
func (rc *RemoteChannel) IsReady(pg *ProcessGroup) bool {
	if rc.rrid.Where == pg.self {
		return pg.table.isReady(rc.rrid)
	}
	v, err := callOnOwner(context.Background(), pg, rc.rrid.Where, "loom.isready", rc.rrid)
	if err != nil {
		return false
	}
	ready, _ := v.(bool)
	return ready
}

// IsEmpty reports whether the channel currently has no buffered values.
func (rc *RemoteChannel) IsEmpty(pg *ProcessGroup) bool {
	if rc.rrid.Where == pg.self {
		return pg.table.isEmpty(rc.rrid)
	}
	v, err := callOnOwner(context.Background(), pg, rc.rrid.Where, "loom.isempty", rc.rrid)
	if err != nil {
		return true
	}
	empty, _ := v.(bool)
	return empty
}

// IsOpen reports whether the channel is still accepting values.
func (rc *RemoteChannel) IsOpen(pg *ProcessGroup) bool {
	if rc.rrid.Where == pg.self {
		return pg.table.isOpen(rc.rrid)
	}
	v, err := callOnOwner(context.Background(), pg, rc.rrid.Where, "loom.isopen", rc.rrid)
	if err != nil {
		return false
	}
	open, _ := v.(bool)
	return open
}

// Close closes the channel; any blocked or future Take calls observe
// ErrChannelClosed once buffered values are drained.
func (rc *RemoteChannel) Close(pg *ProcessGroup) error {
	if rc.rrid.Where == pg.self {
		pg.table.closeCell(rc.rrid)
		return nil
	}
	_, err := callOnOwner(context.Background(), pg, rc.rrid.Where, "loom.close_channel", rc.rrid)
	return err
}

// Iterate implements spec.md §4.E's iteration semantics: yield Take
// values while IsOpen() || IsReady(), terminating cleanly (closing yield
// without error) once the channel is closed and drained, and stopping
// early if ctx is canceled or Take fails for any other reason.
func (rc *RemoteChannel) Iterate(ctx context.Context, pg *ProcessGroup, yield func(interface{}) bool) error {
	for rc.IsOpen(pg) || rc.IsReady(pg) {
		v, err := rc.Take(ctx, pg)
		if err == ErrChannelClosed {
			return nil
		}
		if re, ok := err.(*RemoteError); ok && re.Message == ErrChannelClosed.Error() {
			return nil
		}
		if err != nil {
			return err
		}
		if !yield(v) {
			return nil
		}
	}
	return nil
}
