/*

Package loom implements a distributed-computing runtime: a cluster of
peer worker processes connected by bidirectional TLS streams, offering
remote procedure invocation, remote references (write-once futures and
bounded remote channels), and pooled execution over those workers.

What This Gives You

Two primitives, in the spirit of Erlang's clustering and Julia's
Distributed standard library:

  - A Future, a write-once remote value. Create one locally, hand its
    handle to any node in the cluster, and whichever side calls Put
    first wins; every side that calls Fetch afterward observes the same
    value, whether they are local to the owner or not.
  - A RemoteChannel, a bounded or unbounded channel that lives on one
    node (the owner) and can be Put to or Taken from by any node holding
    a handle to it, including the owner itself.

On top of these, four RPC primitives — RemoteCall, RemoteCallFetch,
RemoteCallWait, and RemoteDo — let you invoke a function on a specific
worker and get back a Future, a value, a Future-with-completion-signal,
or nothing at all, respectively. A WorkerPool and CachingPool compose on
top of these to give you bounded, cached, pooled execution.

Multiscale Clustering

Any worker may itself act as the master of a subordinate cluster. PGRP
takes a Role (RoleDefault, RoleMaster, or RoleWorker) selecting which
process-group view — the process's own membership, or the group it
masters — to use; the cluster-facing operations then take that
*ProcessGroup.

Handle Identity

A Future or RemoteChannel handle carries an RRID that names its backing
cell cluster-wide, and handles with the same RRID on one node are
canonicalized to a single object. The handle types have no exported
fields and no gob encoding of their own, so a handle cannot itself be
embedded in a message sent across the cluster; its RRID can. Every
concrete type sent as an argument or result must be registered with gob
via gob.Register.

Resource Consumption

Handles are reference-counted across the cluster via explicit add-client
and del-client messages, coalesced and flushed by a background pump so
that a burst of short-lived handles does not storm the owner with
one message per handle. Handle finalizers trigger this bookkeeping
automatically; you never call del-client yourself.

*/
package loom
