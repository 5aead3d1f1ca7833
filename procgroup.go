package loom

import (
	"context"
	"fmt"
	"sync"
)

// ProcessGroup is the runtime state for one of the process groups a node
// participates in: the set of workers, the remote-value table backing
// every RRID owned by this group, the handle-canonicalization table for
// references into this group, and the worker links connecting to its
// peers. spec.md §4.A calls this "the registry"; §4.I's multiscale
// facade is what makes more than one ProcessGroup exist in a single
// process at once (a worker in its parent's group simultaneously acts
// as the master of a group it hosts).
//
// Grounded on connection.go's connectionServer, which likewise bundles
// mailboxes + registry + supervisor + remote links into one struct; the
// difference is that a reign process has exactly one connectionServer,
// while a loom process may host several ProcessGroups (the multiscale
// requirement SPEC_FULL §2.C adds on top of definition.go's ClusterSpec).
type ProcessGroup struct {
	role Role
	self NodeID

	table   *valueTable
	handles *handleTable
	names   *nameRegistry
	gc      *gcPump

	mu    sync.RWMutex
	links map[NodeID]*WorkerLink

	pool *WorkerPool

	log ClusterLogger

	// sub is the ProcessGroup this process hosts as a subordinate
	// cluster's master, if any (SPEC_FULL §2.C multiscale support).
	// parent is the reverse edge.
	sub    *ProcessGroup
	parent *ProcessGroup

	statusMu        sync.Mutex
	statusCallbacks []connectionStatusCallback
}

func newProcessGroup(role Role, self NodeID, log ClusterLogger) *ProcessGroup {
	pg := &ProcessGroup{
		role:    role,
		self:    self,
		table:   newValueTable(),
		handles: newHandleTable(),
		names:   newNameRegistry(),
		links:   make(map[NodeID]*WorkerLink),
		log:     resolveLog(log),
	}
	pg.gc = newGCPump(pg)
	pg.pool = newDefaultWorkerPool(pg)
	return pg
}

// Myid returns this process's id within pg.
func (pg *ProcessGroup) Myid() NodeID { return pg.self }

// Role reports which group this is: master or worker.
func (pg *ProcessGroup) Role() Role { return pg.role }

func (pg *ProcessGroup) linkTo(id NodeID) (*WorkerLink, bool) {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	l, ok := pg.links[id]
	return l, ok
}

func (pg *ProcessGroup) setLink(id NodeID, l *WorkerLink) {
	pg.mu.Lock()
	pg.links[id] = l
	pg.mu.Unlock()
}

func (pg *ProcessGroup) dropLink(id NodeID) {
	pg.mu.Lock()
	delete(pg.links, id)
	pg.mu.Unlock()
}

// Workers returns the ids of every worker currently a member of pg
// (excluding the master, id 1), mirroring spec.md §4.A's workers().
func (pg *ProcessGroup) Workers() []NodeID {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	ids := make([]NodeID, 0, len(pg.links))
	for id := range pg.links {
		if id != 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

// WorkerFromID reports whether pid names a live member of pg.
func (pg *ProcessGroup) WorkerFromID(pid NodeID) (NodeID, bool) {
	if pid == pg.self {
		return pid, true
	}
	_, ok := pg.linkTo(pid)
	return pid, ok
}

// IDInProcs reports whether pid is a current member of pg (self or any
// connected peer).
func (pg *ProcessGroup) IDInProcs(pid NodeID) bool {
	if pid == pg.self {
		return true
	}
	_, ok := pg.linkTo(pid)
	return ok
}

// groupCtxKey is the context.Context key used to carry the "dynamic
// context" spec.md §4.A describes for role=default resolution: when a
// worker-link message handler dispatches into user code, it stashes the
// ProcessGroup the message arrived on into the context passed to that
// handler, so a nested remotecall made from within it resolves against
// the sub-cluster rather than the outer one.
type groupCtxKey struct{}

// WithGroup returns a context carrying pg as the dynamic default group,
// for use when dispatching an owner-side thunk (rpc.go) so that any
// nested cluster-facing call made by that thunk resolves role=default
// against the group the inbound call belongs to.
func WithGroup(ctx context.Context, pg *ProcessGroup) context.Context {
	return context.WithValue(ctx, groupCtxKey{}, pg)
}

// Cluster is the process-wide facade: the master-side group this
// process belongs to (nil until the process has joined a cluster) and,
// for a worker that itself hosts a subordinate cluster, that
// subordinate's group.
type Cluster struct {
	mu     sync.RWMutex
	master *ProcessGroup
	worker *ProcessGroup
}

var defaultCluster = &Cluster{}

// PGRP resolves role against the process-wide cluster the way spec.md
// §4.A/§4.I describe: RoleMaster/RoleWorker pick explicitly, RoleDefault
// consults ctx first (see WithGroup) and falls back to the worker-role
// group if this process has one, else the master-role group.
func PGRP(ctx context.Context, role Role) *ProcessGroup {
	if role == RoleDefault {
		if ctx != nil {
			if pg, ok := ctx.Value(groupCtxKey{}).(*ProcessGroup); ok && pg != nil {
				return pg
			}
		}
		defaultCluster.mu.RLock()
		defer defaultCluster.mu.RUnlock()
		if defaultCluster.worker != nil {
			return defaultCluster.worker
		}
		return defaultCluster.master
	}
	defaultCluster.mu.RLock()
	defer defaultCluster.mu.RUnlock()
	if role == RoleMaster {
		return defaultCluster.master
	}
	return defaultCluster.worker
}

func setClusterGroup(role Role, pg *ProcessGroup) {
	defaultCluster.mu.Lock()
	defer defaultCluster.mu.Unlock()
	if role == RoleMaster {
		defaultCluster.master = pg
	} else {
		defaultCluster.worker = pg
	}
}

// nameRegistry implements the global-name half of the teacher's
// registry.go, kept as an actor-free plain map since name claims have no
// synchronous-return-under-lock requirement the way the value table
// does (DESIGN.md "Dropped / adapted teacher modules").
type nameRegistry struct {
	mu     sync.Mutex
	claims map[string]NodeID
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{claims: make(map[string]NodeID)}
}

// Register claims name for owner, refusing a conflicting claim the way
// registry.go's MultipleClaim path does.
func (nr *nameRegistry) Register(name string, owner NodeID) bool {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	if existing, ok := nr.claims[name]; ok && existing != owner {
		return false
	}
	nr.claims[name] = owner
	return true
}

func (nr *nameRegistry) Unregister(name string) {
	nr.mu.Lock()
	delete(nr.claims, name)
	nr.mu.Unlock()
}

// Names returns a snapshot of every currently claimed name and its
// owner (SPEC_FULL §5.3).
func (nr *nameRegistry) Names() map[string]NodeID {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	out := make(map[string]NodeID, len(nr.claims))
	for k, v := range nr.claims {
		out[k] = v
	}
	return out
}

// Names exposes the group's global name table.
func (pg *ProcessGroup) Names() map[string]NodeID { return pg.names.Names() }

// connectionStatusCallback lets an embedding application observe
// connect/disconnect events on one ProcessGroup, mirroring
// definition.go's Cluster.AddConnectionStatusCallback. Scoped per group
// rather than process-wide: a multiscale process hosts an outer group
// and, for a worker with a SubCluster, an independently-numbered
// subordinate group (cluster.go's Join), and a connection event in one
// must never fire the other's callbacks — pool.go's default-pool
// eviction callback interprets NodeID against the group it registered
// on.
type connectionStatusCallback func(NodeID, bool)

// AddConnectionStatusCallback registers f to be called whenever a
// node's connection status changes within pg.
func (pg *ProcessGroup) AddConnectionStatusCallback(f func(NodeID, bool)) {
	pg.statusMu.Lock()
	pg.statusCallbacks = append(pg.statusCallbacks, f)
	pg.statusMu.Unlock()
}

func (pg *ProcessGroup) fireConnectionStatus(node NodeID, connected bool) {
	pg.statusMu.Lock()
	cbs := append([]connectionStatusCallback(nil), pg.statusCallbacks...)
	pg.statusMu.Unlock()
	for _, cb := range cbs {
		cb(node, connected)
	}
}

// Broadcast fires funcName as a fire-and-forget RemoteDo at every worker
// currently in pg, the `@everywhere` equivalent named in SPEC_FULL §5.1.
// Grounded on registry.go's toOtherNodes fan-out: iterate the membership
// snapshot and dispatch to each independently, so one dead link can't
// block delivery to the rest. Errors are collected rather than aborting
// the fan-out early.
func (pg *ProcessGroup) Broadcast(funcName string, args ...interface{}) []error {
	workers := pg.Workers()
	var errs []error
	for _, id := range workers {
		if err := RemoteDo(pg, id, funcName, args...); err != nil {
			errs = append(errs, fmt.Errorf("loom: broadcast to node %d: %w", id, err))
		}
	}
	return errs
}
