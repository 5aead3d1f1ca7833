package loom

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/loomrpc/loom/internal/wire"
)

// linkState is the connection state machine of spec.md §4.B.
type linkState int32

const (
	linkCreated linkState = iota
	linkConnected
	linkTerminated
)

// WorkerLink is the per-peer connection object spec.md §4.B describes: a
// connection state, read/write streams, a resettable outbound
// serializer, and the deferred add_msgs/del_msgs GC buffers. Grounded on
// remoteMailboxes.go's remoteMailboxes (the per-peer actor bundling a
// messageSender with notification bookkeeping) and node.go/listener.go's
// connection-state handling, generalized from mailbox notifications to
// RRID clientset GC coalescing.
type WorkerLink struct {
	peer NodeID
	self NodeID
	pg   *ProcessGroup

	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
	state   linkState

	initMu    sync.Mutex
	initCond  *sync.Cond
	initDone  bool

	gcMu     sync.Mutex
	addMsgs  []wire.ClientPair
	delMsgs  []wire.ClientPair
	gcflag   bool

	log ClusterLogger

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newWorkerLink(pg *ProcessGroup, peer NodeID, conn net.Conn, log ClusterLogger) *WorkerLink {
	l := &WorkerLink{
		peer:    peer,
		self:    pg.self,
		pg:      pg,
		conn:    conn,
		r:       bufio.NewReader(conn),
		log:     resolveLog(log),
		closeCh: make(chan struct{}),
	}
	l.initCond = sync.NewCond(&l.initMu)
	return l
}

// markInitialized releases writers that were blocked on the peer's
// IdentifySocket handshake completing (spec.md §4.B: "Writers before the
// peer has sent its IdentifySocket block on an initialized condition,
// except for the socket-identification messages themselves").
func (l *WorkerLink) markInitialized() {
	l.initMu.Lock()
	l.initDone = true
	l.initCond.Broadcast()
	l.initMu.Unlock()
	l.setState(linkConnected)
}

func (l *WorkerLink) awaitInitialized() {
	l.initMu.Lock()
	for !l.initDone {
		l.initCond.Wait()
	}
	l.initMu.Unlock()
}

func (l *WorkerLink) setState(s linkState) {
	l.writeMu.Lock()
	l.state = s
	l.writeMu.Unlock()
}

func (l *WorkerLink) State() linkState {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.state
}

// scheduleAddClient buffers an add-client pair for coalesced delivery;
// see gc.go for the pump that drains this.
func (l *WorkerLink) scheduleAddClient(rrid RRID, node NodeID) {
	l.gcMu.Lock()
	l.addMsgs = append(l.addMsgs, wire.ClientPair{
		RRID: wire.IntRRID{Whence: wire.IntNodeID(rrid.Whence), ID: rrid.ID, Where: wire.IntNodeID(rrid.Where)},
		Node: wire.IntNodeID(node),
	})
	l.gcflag = true
	l.gcMu.Unlock()
	metrics.IncrCounter(MetricGCAddClients, 1)
	l.pg.gc.wakeup()
}

func (l *WorkerLink) scheduleDelClient(rrid RRID, node NodeID) {
	l.gcMu.Lock()
	l.delMsgs = append(l.delMsgs, wire.ClientPair{
		RRID: wire.IntRRID{Whence: wire.IntNodeID(rrid.Whence), ID: rrid.ID, Where: wire.IntNodeID(rrid.Where)},
		Node: wire.IntNodeID(node),
	})
	l.gcflag = true
	l.gcMu.Unlock()
	metrics.IncrCounter(MetricGCDelClients, 1)
	l.pg.gc.wakeup()
}

// drainGC atomically empties the deferred buffers, reporting whether
// there was anything to flush.
func (l *WorkerLink) drainGC() (adds, dels []wire.ClientPair, any bool) {
	l.gcMu.Lock()
	defer l.gcMu.Unlock()
	if !l.gcflag {
		return nil, nil, false
	}
	adds, l.addMsgs = l.addMsgs, nil
	dels, l.delMsgs = l.delMsgs, nil
	l.gcflag = false
	return adds, dels, true
}

// sendMsg implements spec.md §4.B's send_msg: acquire the write lock,
// reset the serializer (writeFrame always builds a fresh gob.Encoder),
// write the frame, and, if now is false and gcflag is set, piggyback the
// pending GC buffers first.
func (l *WorkerLink) sendMsg(header wire.Header, body wire.Body, now bool) error {
	if _, ok := body.(*wire.IdentifySocketMsg); !ok {
		if _, ok := body.(*wire.IdentifySocketAckMsg); !ok {
			l.awaitInitialized()
		}
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.state == linkTerminated {
		return ErrLinkTerminated
	}

	if !now {
		if adds, dels, any := l.drainGC(); any {
			if len(adds) > 0 {
				if err := writeFrame(l.conn, wire.Header{}, &wire.RemoteDoMsg{Func: addClientsFunc, Args: []interface{}{adds}}); err != nil {
					return err
				}
			}
			if len(dels) > 0 {
				if err := writeFrame(l.conn, wire.Header{}, &wire.RemoteDoMsg{Func: delClientsFunc, Args: []interface{}{dels}}); err != nil {
					return err
				}
			}
		}
	}

	if err := writeFrame(l.conn, header, body); err != nil {
		metrics.IncrCounter(MetricLinkErrors, 1)
		return err
	}
	metrics.IncrCounter(MetricLinkMessagesOut, 1)
	return nil
}

// flushGC forces an immediate flush of pending GC buffers, used by the
// GC pump (gc.go) for links that have gcflag set but no other outbound
// traffic to piggyback on.
func (l *WorkerLink) flushGC() error {
	adds, dels, any := l.drainGC()
	if !any {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.state == linkTerminated {
		return ErrLinkTerminated
	}
	if len(adds) > 0 {
		if err := writeFrame(l.conn, wire.Header{}, &wire.RemoteDoMsg{Func: addClientsFunc, Args: []interface{}{adds}}); err != nil {
			return err
		}
	}
	if len(dels) > 0 {
		if err := writeFrame(l.conn, wire.Header{}, &wire.RemoteDoMsg{Func: delClientsFunc, Args: []interface{}{dels}}); err != nil {
			return err
		}
	}
	metrics.IncrCounter(MetricGCBatches, 1)
	return nil
}

// keepalive sends a no-op "loom.ping" remote_do on this link every
// PingInterval, whether or not other outbound traffic is flowing, so
// that a half-open TCP connection with no application-level messages
// flowing still gets noticed via a write failure. Grounded on ping.go's pingRemote,
// simplified since sendMsg already serializes writers; there is no
// separate Ping/Pong wire type (spec.md §4.C/§6 close the wire format to
// nine tagged bodies), so the probe rides the same RemoteDoMsg every
// other fire-and-forget call uses.
func (l *WorkerLink) keepalive(ctx context.Context) {
	t := time.NewTicker(PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closeCh:
			return
		case <-t.C:
			if err := l.sendMsg(wire.Header{}, &wire.RemoteDoMsg{Func: pingFunc}, true); err != nil {
				return
			}
		}
	}
}

// readLoop is run by connector.go/listener.go once the handshake
// completes. It reads frames until the link terminates, dispatching each
// to the RPC layer (rpc.go).
func (l *WorkerLink) readLoop(ctx context.Context, dispatch func(peer NodeID, header wire.Header, body wire.Body)) {
	go l.keepalive(ctx)
	for {
		header, body, err := readFrame(l.r)
		if err != nil && err != errBodyDecodeFailed {
			l.terminate()
			return
		}
		if body == nil {
			// Frame body failed to decode; readFrame has already
			// resynced the stream. Synthesize the captured-error Result
			// spec.md §4.C calls for, if a response was expected, and
			// route it to the response cell's owner.
			resp := fromWireRRID(header.ResponseOID)
			if !resp.IsNil() {
				go deliverResult(l.pg, resp, nil, &RemoteError{
					Node:    l.self,
					Message: errBodyDecodeFailed.Error(),
				})
			}
			continue
		}
		metrics.IncrCounter(MetricLinkMessagesIn, 1)
		dispatch(l.peer, header, body)
	}
}

// terminate transitions the link to Terminated and closes the
// connection exactly once, notifying the process group so it drops the
// link from routing tables.
func (l *WorkerLink) terminate() {
	l.closeOnce.Do(func() {
		l.setState(linkTerminated)
		l.markInitialized()
		_ = l.conn.Close()
		close(l.closeCh)
		l.pg.dropLink(l.peer)
		l.log.Warnf("worker link to node %d terminated", l.peer)
	})
}
