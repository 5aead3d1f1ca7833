package loom

import (
	"runtime"
	"sync"
	"weak"
)

// This file implements spec.md §3/§4.E: client-side reference handles.
// It is grounded on the teacher's Address type (mailbox.go): a small
// value carrying an identity plus a cached pointer to the thing it
// names, deduplicated through a process-wide table the way Address
// resolves through mailboxes.mailboxes. Where the teacher's dedup table
// only ever needs to hand back an existing *Mailbox, ours (handleTable
// below) has to merge a possibly-populated Future cache into whichever
// copy survives canonicalization.

// Future is a single-assignment client-side handle: at most one Put
// call will ever succeed against a given Future's backing cell.
type Future struct {
	rrid RRID

	mu  sync.Mutex
	set bool
	val interface{}
	err *RemoteError
}

// RemoteChannel is a client-side handle to an owner-side backing channel
// that may receive many values over its lifetime (unlike Future, its
// value is never cached locally: every Fetch/Take goes to the owner
// unless the owner is this node).
type RemoteChannel struct {
	rrid RRID
}

// RRID returns the identity of the handle. Two handles with equal RRIDs
// always refer to the same owner-side cell, per spec.md §3.
func (f *Future) RRID() RRID { return f.rrid }

// handleTable implements the canonicalization and reference-counting
// side of spec.md §3: "if a handle with the same (whence,id) already
// exists, the existing object is returned; if the new copy carries a
// cached value and the existing one does not, the cache is merged and a
// del-client is issued to balance the extra reference." Locally-created
// handles are also registered here purely so their finalizers can be
// installed in one place.
//
// The table stores weak.Pointer, not *Future/*RemoteChannel: this is the
// "weak set" spec.md §3 calls for. A plain map of strong pointers rooted
// by the long-lived ProcessGroup would keep every handle a caller ever
// dropped reachable forever, so its finalizer would never run and no
// del-client would ever fire — exactly the leak §4.F's GC coalescing and
// §8 scenario 5 exist to bound.
type handleTable struct {
	mu       sync.Mutex
	futures  map[rridKey]weak.Pointer[Future]
	channels map[rridKey]weak.Pointer[RemoteChannel]
}

func newHandleTable() *handleTable {
	return &handleTable{
		futures:  make(map[rridKey]weak.Pointer[Future]),
		channels: make(map[rridKey]weak.Pointer[RemoteChannel]),
	}
}

// canonicalizeFuture dedups a Future by (whence,id). incoming is either a
// freshly minted local Future or one just decoded off the wire; cached
// tells canonicalizeFuture whether incoming already carries a value (as
// happens when a Future with a populated cache is serialized and handed
// to another node). Returns the canonical *Future and whether a
// duplicate reference must be balanced with a del-client.
func (ht *handleTable) canonicalizeFuture(pg *ProcessGroup, incoming *Future, cached bool) (canon *Future, duplicate bool) {
	key := incoming.rrid.key()

	ht.mu.Lock()
	if wp, ok := ht.futures[key]; ok {
		if existing := wp.Value(); existing != nil {
			ht.mu.Unlock()
			if cached {
				existing.mu.Lock()
				if !existing.set {
					existing.set = true
					existing.val = incoming.val
					existing.err = incoming.err
				}
				existing.mu.Unlock()
			}
			return existing, true
		}
	}
	wp := weak.Make(incoming)
	ht.futures[key] = wp
	ht.mu.Unlock()
	pg.installFutureFinalizer(incoming, wp)
	return incoming, false
}

// canonicalizeChannel is the RemoteChannel analogue of
// canonicalizeFuture. RemoteChannel carries no local cache, so
// canonicalization only ever needs to decide whether the incoming
// reference is a duplicate.
func (ht *handleTable) canonicalizeChannel(pg *ProcessGroup, incoming *RemoteChannel) (canon *RemoteChannel, duplicate bool) {
	key := incoming.rrid.key()

	ht.mu.Lock()
	if wp, ok := ht.channels[key]; ok {
		if existing := wp.Value(); existing != nil {
			ht.mu.Unlock()
			return existing, true
		}
	}
	wp := weak.Make(incoming)
	ht.channels[key] = wp
	ht.mu.Unlock()
	pg.installChannelFinalizer(incoming, wp)
	return incoming, false
}

// forgetFuture unconditionally drops rrid's entry, for callers that need
// to force a handle out of the table (e.g. tests). The finalizer path
// uses forgetFutureIfCurrent instead.
func (ht *handleTable) forgetFuture(rrid RRID) {
	ht.mu.Lock()
	delete(ht.futures, rrid.key())
	ht.mu.Unlock()
}

func (ht *handleTable) forgetChannel(rrid RRID) {
	ht.mu.Lock()
	delete(ht.channels, rrid.key())
	ht.mu.Unlock()
}

// forgetFutureIfCurrent removes rrid's entry only if it still points at
// wp, the specific weak pointer this finalizer was installed for. Without
// this check, a finalizer for a handle that has already been superseded
// by a fresh canonicalizeFuture call (same rrid, new object) could delete
// the newer entry out from under it.
func (ht *handleTable) forgetFutureIfCurrent(rrid RRID, wp weak.Pointer[Future]) {
	ht.mu.Lock()
	if cur, ok := ht.futures[rrid.key()]; ok && cur == wp {
		delete(ht.futures, rrid.key())
	}
	ht.mu.Unlock()
}

func (ht *handleTable) forgetChannelIfCurrent(rrid RRID, wp weak.Pointer[RemoteChannel]) {
	ht.mu.Lock()
	if cur, ok := ht.channels[rrid.key()]; ok && cur == wp {
		delete(ht.channels, rrid.key())
	}
	ht.mu.Unlock()
}

// installFutureFinalizer arranges for exactly one del-client to be
// issued for rrid when incoming becomes unreachable, mirroring the
// teacher's Mailbox.Terminate notification bookkeeping, but driven by
// runtime.SetFinalizer rather than an explicit Terminate call, since
// there is no equivalent of an actor's own termination event to hook for
// a value-typed remote reference.
func (pg *ProcessGroup) installFutureFinalizer(f *Future, wp weak.Pointer[Future]) {
	rrid := f.rrid
	owner := pg
	// The finalizer closure must not capture f itself, or f would stay
	// reachable through its own finalizer and never become eligible for
	// collection in the first place.
	runtime.SetFinalizer(f, func(*Future) {
		owner.handles.forgetFutureIfCurrent(rrid, wp)
		owner.gc.scheduleDelClient(rrid, rrid.Where)
	})
}

func (pg *ProcessGroup) installChannelFinalizer(rc *RemoteChannel, wp weak.Pointer[RemoteChannel]) {
	rrid := rc.rrid
	owner := pg
	runtime.SetFinalizer(rc, func(*RemoteChannel) {
		owner.handles.forgetChannelIfCurrent(rrid, wp)
		owner.gc.scheduleDelClient(rrid, rrid.Where)
	})
}
