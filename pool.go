package loom

import (
	"context"
	"sync"

	metrics "github.com/hashicorp/go-metrics"
)

// WorkerPool implements spec.md §4.H: an unbounded queue of available
// worker ids plus the set of members, addressable cluster-wide via an
// embedded RemoteChannel so a non-owner node's Take/Put forwards to the
// owner. Grounded on definition.go's AddConnectionStatusCallback
// mechanism (used here to auto-evict a worker that disconnects) and
// remoteMailboxes.go's per-node addressing idiom for the forwarding
// path.
type WorkerPool struct {
	pg *ProcessGroup

	channel *RemoteChannel // owner-side backing queue of available ids

	mu      sync.Mutex
	members map[NodeID]struct{}
	isDefault bool
}

// newDefaultWorkerPool builds the pool implicitly available to every
// ProcessGroup: the pool of every currently connected worker. Join
// (cluster.go) wires it to link connect/disconnect events.
func newDefaultWorkerPool(pg *ProcessGroup) *WorkerPool {
	return &WorkerPool{
		pg:        pg,
		members:   make(map[NodeID]struct{}),
		isDefault: true,
	}
}

// NewWorkerPool creates a pool owned by pid, seeded with the given
// worker ids.
func NewWorkerPool(pg *ProcessGroup, pid NodeID, workers []NodeID) *WorkerPool {
	wp := &WorkerPool{
		pg:      pg,
		channel: NewRemoteChannel(pg, pid, Unbounded),
		members: make(map[NodeID]struct{}, len(workers)),
	}
	for _, w := range workers {
		wp.members[w] = struct{}{}
	}
	if pid == pg.self {
		for _, w := range workers {
			_ = wp.channel.Put(context.Background(), pg, w)
		}
	}
	return wp
}

// Push adds pid as a pool member and makes it immediately available.
func (wp *WorkerPool) Push(ctx context.Context, pid NodeID) error {
	wp.mu.Lock()
	wp.members[pid] = struct{}{}
	wp.mu.Unlock()
	if wp.channel == nil {
		return nil
	}
	return wp.channel.Put(ctx, wp.pg, pid)
}

// Put returns pid to the available queue, but only if it is still a
// pool member (spec.md: "returns a pid only if still a member").
func (wp *WorkerPool) Put(ctx context.Context, pid NodeID) error {
	wp.mu.Lock()
	_, member := wp.members[pid]
	wp.mu.Unlock()
	if !member {
		return nil
	}
	if wp.channel == nil {
		return nil
	}
	return wp.channel.Put(ctx, wp.pg, pid)
}

// Take blocks until an available worker id is returned, skipping and
// discarding any id that is no longer a pool member. If the pool is
// empty and this is the default pool, id 1 (the master) is substituted,
// per spec.md §4.H.
func (wp *WorkerPool) Take(ctx context.Context) (NodeID, error) {
	metrics.IncrCounter(MetricPoolTakes, 1)
	if wp.channel == nil {
		return wp.takeFromDefault(ctx)
	}
	for {
		v, err := wp.channel.Take(ctx, wp.pg)
		if err != nil {
			return 0, err
		}
		pid, _ := v.(NodeID)
		wp.mu.Lock()
		_, member := wp.members[pid]
		wp.mu.Unlock()
		if member {
			return pid, nil
		}
		metrics.IncrCounter(MetricPoolEvictions, 1)
	}
}

// takeFromDefault services the process-implicit "all connected workers"
// pool, which has no backing RemoteChannel of its own: it simply picks
// any currently connected worker, or self (id 1) if none are connected.
func (wp *WorkerPool) takeFromDefault(ctx context.Context) (NodeID, error) {
	workers := wp.pg.Workers()
	if len(workers) == 0 {
		if wp.isDefault {
			return 1, nil
		}
		return 0, ErrPoolEmpty
	}
	return workers[0], nil
}

// Length reports the number of currently available (not necessarily
// member-valid) ids queued.
func (wp *WorkerPool) Length() int {
	if wp.channel == nil {
		return len(wp.pg.Workers())
	}
	if wp.channel.IsEmpty(wp.pg) {
		return 0
	}
	return 1
}

func (wp *WorkerPool) IsReady() bool {
	return wp.Length() > 0
}

// Workers returns the current member set.
func (wp *WorkerPool) Workers() []NodeID {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	out := make([]NodeID, 0, len(wp.members))
	for id := range wp.members {
		out = append(out, id)
	}
	return out
}

// evict drops pid from the member set; called when connection-status
// tracking (cluster.go) observes a link go down.
func (wp *WorkerPool) evict(pid NodeID) {
	wp.mu.Lock()
	delete(wp.members, pid)
	wp.mu.Unlock()
}

// RemoteCallPool implements remotecall_pool(remotecall, f, pool, args):
// take a worker, submit the call, and release the worker only once the
// resulting Future has been waited on in the background, so the worker
// is not reused mid-computation. On synchronous submission failure the
// worker is released immediately and the error is returned.
func RemoteCallPool(ctx context.Context, pg *ProcessGroup, wp *WorkerPool, funcName string, args ...interface{}) (*Future, error) {
	pid, err := wp.Take(ctx)
	if err != nil {
		return nil, err
	}
	f, err := RemoteCall(ctx, pg, pid, funcName, args...)
	if err != nil {
		_ = wp.Put(ctx, pid)
		return nil, err
	}
	go func() {
		_, _ = f.Fetch(context.Background(), pg)
		_ = wp.Put(context.Background(), pid)
	}()
	return f, nil
}

// RemoteCallFetchPool is remotecall_pool(remotecall_fetch, ...): take,
// invoke, release, in that order, releasing before returning since the
// call has already completed by the time RemoteCallFetch returns.
func RemoteCallFetchPool(ctx context.Context, pg *ProcessGroup, wp *WorkerPool, funcName string, args ...interface{}) (interface{}, error) {
	pid, err := wp.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = wp.Put(ctx, pid) }()
	return RemoteCallFetch(ctx, pg, pid, funcName, args...)
}

// PMap applies fn to every element of items using cp as the source of
// workers, dispatching every call through CachingPool.ExecFromCache so
// closure (invariant data every call needs, e.g. a large captured lookup
// table — pass nil if fn needs none) is put on the wire to a given
// worker at most once, while each item in items is still sent on every
// call, since that per-item payload is the whole point of the fan-out.
// This is spec.md §1's non-macro PMap helper: it stands in for
// `@parallel`/`pmap` without requiring any macro/codegen machinery,
// since Go has none to imitate.
func PMap(ctx context.Context, pg *ProcessGroup, cp *CachingPool, funcName string, closure interface{}, items []interface{}) ([]interface{}, error) {
	results := make([]interface{}, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item interface{}) {
			defer wg.Done()
			pid, err := cp.Take(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			v, err := cp.ExecFromCache(ctx, pg, pid, funcName, closure, item)
			_ = cp.Put(ctx, pid)
			results[i] = v
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// CachingPool adds closure-caching to a WorkerPool per spec.md §4.H: the
// first call of a given function name on a given worker sends the
// function name together with closure, the invariant data every call to
// that (worker, function) pair needs (e.g. a large captured lookup
// table); subsequent calls on that worker skip resending either and only
// carry the call's own args. Since Go has no closures-as-values over the
// wire, "the closure" is this explicit closure payload plus the function
// name string that funcRegistry keys on — cachedClosure is what actually
// rides the cache channel, not just the name, so a heavy captured value
// is genuinely transferred at most once per worker rather than resent on
// every call the way a naive per-call Args envelope would.
type CachingPool struct {
	*WorkerPool

	mu    sync.Mutex
	cache map[cachingKey]*RemoteChannel
}

type cachingKey struct {
	worker NodeID
	fn     string
}

// cachedClosure is what a CachingPool's cache channel actually holds:
// the function to invoke plus whatever invariant data that function
// needs on every call, primed once per (worker, function) pair.
type cachedClosure struct {
	Func    string
	Closure interface{}
}

func NewCachingPool(pg *ProcessGroup, pid NodeID, workers []NodeID) *CachingPool {
	return &CachingPool{
		WorkerPool: NewWorkerPool(pg, pid, workers),
		cache:      make(map[cachingKey]*RemoteChannel),
	}
}

// ExecFromCache implements the exec_from_cache helper: on first use for
// (worker, funcName) it primes a cache channel on the worker with
// funcName and closure, then always dispatches through loom.cached_call,
// which reads the cached (funcName, closure) pair from that channel
// instead of the wire envelope. closure is invariant across every call
// this CachingPool makes to (worker, funcName) and is put exactly once;
// args varies per call and is sent every time, same as any other RPC.
func (cp *CachingPool) ExecFromCache(ctx context.Context, pg *ProcessGroup, worker NodeID, funcName string, closure interface{}, args ...interface{}) (interface{}, error) {
	key := cachingKey{worker, funcName}

	cp.mu.Lock()
	ch, cached := cp.cache[key]
	if !cached {
		ch = NewRemoteChannel(pg, worker, Unbounded)
		cp.cache[key] = ch
	}
	cp.mu.Unlock()

	if !cached {
		if err := ch.Put(ctx, pg, cachedClosure{Func: funcName, Closure: closure}); err != nil {
			return nil, err
		}
	}

	return RemoteCallFetch(ctx, pg, worker, "loom.cached_call", ch.RRID(), args)
}

// Clear finalizes every cached channel, evicting the remote copies
// (spec.md: "clear! finalizes all channels, evicting remote copies").
func (cp *CachingPool) Clear(pg *ProcessGroup) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for key, ch := range cp.cache {
		_ = ch.Close(pg)
		delete(cp.cache, key)
	}
}

// builtinCachedCall backs "loom.cached_call": args[0] is the RRID of the
// cache channel the caller primed with a cachedClosure (only on the
// first call for a given (worker, function) pair; the channel already
// holds it on every subsequent call), args[1] is the real, per-call
// argument list. The cached closure payload, if any, is prepended to
// realArgs so the target function sees it on every invocation without
// it ever crossing the wire more than once.
func builtinCachedCall(pg *ProcessGroup, args ...interface{}) (interface{}, error) {
	rrid := args[0].(RRID)
	realArgs, _ := args[1].([]interface{})

	channelCell(pg, rrid)
	v, err := pg.table.fetchFrom(nil, rrid) //nolint:staticcheck // fetch does not block once primed
	if err != nil {
		return nil, err
	}
	cc, ok := v.(cachedClosure)
	if !ok {
		return nil, ErrDecodeFailed
	}
	callArgs := realArgs
	if cc.Closure != nil {
		callArgs = append([]interface{}{cc.Closure}, realArgs...)
	}
	result, remoteErr := invoke(WithGroup(context.Background(), pg), pg, cc.Func, callArgs)
	if remoteErr != nil {
		return nil, remoteErr
	}
	return result, nil
}

func init() {
	builtinRegistry["loom.cached_call"] = builtinCachedCall
}
