package loom

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/loomrpc/loom/internal/wire"
)

// PingInterval is the interval at which every link sends a keepalive
// ping, whether or not other traffic is flowing on it.
var PingInterval = 30 * time.Second

// nodeListener is the incoming half of spec.md §4.B's connection setup,
// grounded on the teacher's listener.go: it accepts every TCP connection
// on the node's listen address, TLS-handshakes as a server, and expects
// the same IdentifySocket/IdentifySocketAck exchange nodeConnector
// performs from the dialing side. Per the "higher NodeID dials" rule in
// cluster.go, only peers with a higher id than this node ever appear
// here.
type nodeListener struct {
	pg        *ProcessGroup
	spec      *ClusterSpec
	self      NodeID
	ln        net.Listener
	tlsConfig *tls.Config
	log       ClusterLogger
}

func (nl *nodeListener) String() string {
	return fmt.Sprintf("listener[%d]", nl.self)
}

// Serve implements suture.Service.
func (nl *nodeListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		nl.ln.Close()
	}()

	for {
		conn, err := nl.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				nl.log.Warnf("listener %d: accept: %s", nl.self, err)
				continue
			}
		}
		go nl.handleConn(ctx, conn)
	}
}

func (nl *nodeListener) handleConn(ctx context.Context, conn net.Conn) {
	tlsConn := tls.Server(conn, nl.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		nl.log.Warnf("listener %d: tls handshake: %s", nl.self, err)
		conn.Close()
		return
	}

	link := newWorkerLink(nl.pg, 0, tlsConn, nl.log)

	_, body, err := readFrame(link.r)
	if err != nil {
		nl.log.Warnf("listener %d: reading identify: %s", nl.self, err)
		tlsConn.Close()
		return
	}
	ident, ok := body.(*wire.IdentifySocketMsg)
	if !ok {
		nl.log.Warnf("listener %d: expected IdentifySocketMsg, got %T", nl.self, body)
		tlsConn.Close()
		return
	}
	peer := NodeID(ident.From)
	if _, ok := nl.spec.nodeByID(peer); !ok {
		nl.log.Warnf("listener %d: unknown peer id %d", nl.self, peer)
		tlsConn.Close()
		return
	}

	link.peer = peer
	if err := link.sendMsg(wire.Header{}, &wire.IdentifySocketAckMsg{
		From:        wire.IntNodeID(nl.self),
		InstanceID:  uuid.New(),
		ClusterHash: nl.spec.hash(),
	}, true); err != nil {
		nl.log.Warnf("listener %d: sending identify ack: %s", nl.self, err)
		tlsConn.Close()
		return
	}
	if ident.ClusterHash != nl.spec.hash() {
		nl.log.Warnf("listener %d: cluster hash mismatch with node %d", nl.self, peer)
		tlsConn.Close()
		return
	}

	link.markInitialized()
	nl.pg.setLink(peer, link)
	nl.pg.fireConnectionStatus(peer, true)
	nl.log.Infof("listener %d: accepted connection from node %d", nl.self, peer)

	link.readLoop(ctx, func(peer NodeID, header wire.Header, body wire.Body) {
		dispatchIncoming(nl.pg, peer, header, body)
	})
	nl.pg.fireConnectionStatus(peer, false)
}
