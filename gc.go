package loom

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// gcPump is spec.md §4.F's background coalescing GC task: "A single
// background task waits on a process-wide condition; whenever any
// link's gcflag is set, the task wakes and, for each connected worker
// with gcflag true, atomically drains its add_msgs and del_msgs and
// sends them as two remote_do calls." Grounded on
// remoteMailboxes.Serve's actor-loop shape, generalized from per-mailbox
// notification bookkeeping to per-link add/del-client batching, and run
// under the same suture.Supervisor the teacher uses for its connection
// server (connection.go).
type gcPump struct {
	pg *ProcessGroup

	mu      sync.Mutex
	pending chan struct{}
}

func newGCPump(pg *ProcessGroup) *gcPump {
	return &gcPump{pg: pg, pending: make(chan struct{}, 1)}
}

// wakeup schedules a drain pass without blocking the caller (link.go's
// scheduleAddClient/scheduleDelClient call this from arbitrary
// goroutines, including finalizer goroutines, which must never block).
func (p *gcPump) wakeup() {
	select {
	case p.pending <- struct{}{}:
	default:
	}
}

// scheduleDelClient buffers a del-client for rrid against its owner. If
// the owner is this process, the table is updated directly with no wire
// round trip; otherwise it is buffered on the link to owner for
// coalesced delivery.
func (p *gcPump) scheduleDelClient(rrid RRID, owner NodeID) {
	if owner == p.pg.self {
		p.pg.table.delClient(rrid, p.pg.self)
		return
	}
	if link, ok := p.pg.linkTo(owner); ok {
		link.scheduleDelClient(rrid, p.pg.self)
	}
}

func (p *gcPump) scheduleAddClient(rrid RRID, owner NodeID) {
	if owner == p.pg.self {
		p.pg.table.addClient(rrid, p.pg.self)
		return
	}
	if link, ok := p.pg.linkTo(owner); ok {
		link.scheduleAddClient(rrid, p.pg.self)
	}
}

// Serve implements suture.Service. It wakes on demand (link buffers
// filling) and drains every connected link's pending GC buffers each
// time, coalescing whatever accumulated since the last pass.
func (p *gcPump) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.pending:
		}

		p.pg.mu.RLock()
		links := make([]*WorkerLink, 0, len(p.pg.links))
		for _, l := range p.pg.links {
			links = append(links, l)
		}
		p.pg.mu.RUnlock()

		for _, l := range links {
			_ = flushGCWithRetry(l)
		}
	}
}

// flushGCWithRetry retries a link's flushGC a bounded number of times
// with exponential backoff, the same cenkalti/backoff/v4 package
// connector.go uses for reconnect retries, since a write failure here
// (a full socket buffer, a momentary EAGAIN) is often as transient as a
// failed dial. ErrLinkTerminated is not transient — retrying it would
// just burn the backoff budget on a link this pump will never see
// reconnect on its own, so it short-circuits as permanent.
func flushGCWithRetry(l *WorkerLink) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		err := l.flushGC()
		if err == ErrLinkTerminated {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
