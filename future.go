package loom

import (
	"context"

	metrics "github.com/hashicorp/go-metrics"
)

// This file implements spec.md §4.E's Future operations. Grounded on
// mailbox.go's cond-guarded single-writer-many-reader pattern, narrowed
// from a message queue to single assignment.

// NewFuture creates a Future owned by pid (spec.md's Future(pid)).
// pid == pg.self is the common case of a future you intend to fill
// yourself and hand out to others.
func NewFuture(pg *ProcessGroup, pid NodeID) *Future {
	rrid := RRID{Whence: pg.self, ID: pg.table.seq.allocate(), Where: pid}
	if pid == pg.self {
		pg.table.lookupOrCreate(rrid, func() valueChannel { return newFutureChannel() })
	}
	f := &Future{rrid: rrid}
	canon, _ := pg.handles.canonicalizeFuture(pg, f, false)
	return canon
}

// Put implements put!(Future f, v). If f is owned locally, the value is
// pushed directly into the backing cell under f's lock, and a
// del-client is issued since the local writer no longer needs its
// clientset contribution once the value exists. If f is owned remotely,
// a call-on-owner delivers the value and the local cache is populated
// so that later local Fetch calls short-circuit without a further round
// trip.
func (f *Future) Put(ctx context.Context, pg *ProcessGroup, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		return ErrFutureAlreadySet
	}

	if f.rrid.Where == pg.self {
		if pg.table.isReady(f.rrid) {
			return ErrFutureAlreadySet
		}
		if err := pg.table.putInto(ctx, f.rrid, v); err != nil {
			return err
		}
		f.set = true
		f.val = v
		pg.gc.scheduleDelClient(f.rrid, pg.self)
		return nil
	}

	if _, err := callOnOwner(ctx, pg, f.rrid.Where, "loom.put_future", f.rrid, v); err != nil {
		return err
	}
	f.set = true
	f.val = v
	return nil
}

// Fetch implements fetch(Future f). The fast path returns the local
// cache without touching the table or the network at all. Otherwise, a
// local lookup or a remote call-on-owner populates the cache; the
// atomic unset->some(v) transition on the remote path means a second
// caller racing the first only ever wins the cache write once, and the
// winner alone issues the balancing del-client (spec.md §4.E).
func (f *Future) Fetch(ctx context.Context, pg *ProcessGroup) (interface{}, error) {
	f.mu.Lock()
	if f.set {
		v, err := f.val, f.err
		f.mu.Unlock()
		metrics.IncrCounter(MetricFutureFetches, 1)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	f.mu.Unlock()

	if f.rrid.Where == pg.self {
		metrics.IncrCounter(MetricFutureFetches, 1)
		v, err := pg.table.fetchFrom(ctx, f.rrid)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.set {
			if re, ok := v.(*RemoteError); ok {
				f.set, f.err = true, re
			} else {
				f.set, f.val = true, v
			}
		}
		if f.err != nil {
			return nil, f.err
		}
		return f.val, nil
	}

	metrics.IncrCounter(MetricFutureFetchesRPC, 1)
	v, err := callOnOwner(ctx, pg, f.rrid.Where, "loom.fetch_ref", f.rrid)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	won := !f.set
	if won {
		if re, ok := v.(*RemoteError); ok {
			f.set, f.err = true, re
		} else {
			f.set, f.val = true, v
		}
	}
	cached, cachedErr := f.val, f.err
	f.mu.Unlock()

	if won {
		pg.gc.scheduleDelClient(f.rrid, f.rrid.Where)
	}
	if cachedErr != nil {
		return nil, cachedErr
	}
	return cached, nil
}

// IsReady reports whether f has a value yet, without blocking.
func (f *Future) IsReady(pg *ProcessGroup) bool {
	f.mu.Lock()
	set := f.set
	f.mu.Unlock()
	if set {
		return true
	}
	if f.rrid.Where == pg.self {
		return pg.table.isReady(f.rrid)
	}
	v, err := callOnOwner(context.Background(), pg, f.rrid.Where, "loom.isready", f.rrid)
	if err != nil {
		return false
	}
	ready, _ := v.(bool)
	return ready
}
