package loom

import (
	"fmt"
	"sync/atomic"
)

// NodeID identifies a participating process within a process group. Node
// id 1 is always the master of its group.
type NodeID uint16

// Role selects which process-group view a cluster-facing operation
// consults. A process may simultaneously be a worker in one group (its
// parent cluster) and the master of another (a subordinate cluster it
// hosts), which is what makes multiscale clustering possible.
type Role int

const (
	// RoleDefault selects whichever group the surrounding dynamic
	// context implies: the outer, master-side group for a call made
	// outside of any nested dispatch, or the sub-cluster group for a
	// call made from within a handler dispatched off an incoming
	// worker-link message belonging to that sub-cluster.
	RoleDefault Role = iota
	// RoleMaster selects the process group in which this process is
	// the master (id 1).
	RoleMaster
	// RoleWorker selects the process group in which this process is a
	// worker (id != 1).
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleWorker:
		return "worker"
	default:
		return "default"
	}
}

// RRID is a reference identity: (whence, id) uniquely identifies a
// reference across the whole cluster, and where names the node that
// currently owns the backing cell. Equality and hashing of handles use
// (Whence, ID) only; Where is informational and may lag reality if a
// cell has never moved (in this implementation cells never move, so
// Where is always the owner chosen when the id was minted, which need
// not be the minting node: NewFuture(pg, pid) mints a local id for a
// cell on pid. The field is kept distinct per spec.md's data model so
// that a future migration of cell ownership would not require an RRID
// shape change).
type RRID struct {
	Whence NodeID
	ID     uint64
	Where  NodeID
}

func (r RRID) String() string {
	return fmt.Sprintf("<%d:%d>@%d", r.Whence, r.ID, r.Where)
}

// IsNil reports whether r is the null RRID (Whence 0, ID 0; Where is not
// consulted), which spec.md's wire format uses to mean "no response
// expected".
func (r RRID) IsNil() bool {
	return r.Whence == 0 && r.ID == 0
}

// key returns the identity-comparable, Where-independent part of the
// RRID, suitable for use as a map key implementing handle
// canonicalization (spec.md §3: "Equality and hashing of handles use
// (whence, id) only").
type rridKey struct {
	whence NodeID
	id     uint64
}

func (r RRID) key() rridKey {
	return rridKey{r.Whence, r.ID}
}

// sequence is a per-node monotonically increasing generator of RRID
// sequence numbers, mirroring the teacher's mailboxes.nextMailboxID
// counter (mailbox.go), generalized to stand alone from any particular
// mailbox table.
type sequence struct {
	next uint64
}

// allocate returns the next sequence number for this node. 0 is never
// returned, so that (whence=0, id=0) remains reserved as the null RRID.
func (s *sequence) allocate() uint64 {
	return atomic.AddUint64(&s.next, 1)
}
