package loom

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loomrpc/loom/internal/wire"
)

// nodeConnector is the outgoing half of spec.md §4.B's connection setup:
// dial, TLS handshake, IdentifySocket/IdentifySocketAck exchange, then
// readLoop until the link dies, retrying with backoff until the
// supervisor context is cancelled. Grounded on node.go's nodeConnector/
// nodeConnection.Serve, replacing its cluster-mailbox sync step with the
// simpler cluster-hash comparison SPEC_FULL §2.C substitutes, and its
// suture v2 Serve()/Stop() pair with the v4 Serve(ctx) error shape (see
// Join's use of suture.NewSimple in cluster.go).
type nodeConnector struct {
	pg        *ProcessGroup
	spec      *ClusterSpec
	self      NodeID
	peer      *NodeDefinition
	tlsConfig *tls.Config
	log       ClusterLogger
}

func (nc *nodeConnector) String() string {
	return fmt.Sprintf("connector[%d->%d]", nc.self, nc.peer.ID)
}

// Serve implements suture.Service: dial nc.peer, repeating with
// exponential backoff (per the teacher's node.go retry-forever
// behavior, expressed here with cenkalti/backoff instead of a hand
// rolled sleep loop) until ctx is cancelled. The backoff is reset each
// time a connection is established, and a fresh dial starts once that
// link's readLoop returns.
func (nc *nodeConnector) Serve(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		link, err := nc.dialOnce(ctx)
		if err != nil {
			nc.log.Warnf("connector %d->%d: %s", nc.self, nc.peer.ID, err)
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		nc.pg.setLink(nc.peer.ID, link)
		nc.pg.fireConnectionStatus(nc.peer.ID, true)
		link.readLoop(ctx, func(peer NodeID, header wire.Header, body wire.Body) {
			dispatchIncoming(nc.pg, peer, header, body)
		})
		nc.pg.fireConnectionStatus(nc.peer.ID, false)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (nc *nodeConnector) dialOnce(ctx context.Context) (*WorkerLink, error) {
	var localAddr *net.TCPAddr
	selfDef, _ := nc.spec.nodeByID(nc.self)
	if selfDef != nil {
		localAddr = selfDef.localaddr
	}
	dialer := net.Dialer{LocalAddr: localAddr, Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", nc.peer.ipaddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	tlsConn := tls.Client(rawConn, nc.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	link := newWorkerLink(nc.pg, nc.peer.ID, tlsConn, nc.log)

	instanceID := uuid.New()
	if err := link.sendMsg(wire.Header{}, &wire.IdentifySocketMsg{
		From:        wire.IntNodeID(nc.self),
		InstanceID:  instanceID,
		ClusterHash: nc.spec.hash(),
	}, true); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("send identify: %w", err)
	}

	_, body, err := readFrame(link.r)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("read identify ack: %w", err)
	}
	ack, ok := body.(*wire.IdentifySocketAckMsg)
	if !ok {
		tlsConn.Close()
		return nil, fmt.Errorf("expected IdentifySocketAckMsg, got %T", body)
	}
	if ack.ClusterHash != nc.spec.hash() {
		tlsConn.Close()
		return nil, fmt.Errorf("cluster hash mismatch with node %d", nc.peer.ID)
	}
	if NodeID(ack.From) != nc.peer.ID {
		tlsConn.Close()
		return nil, fmt.Errorf("node %d identified as %d", nc.peer.ID, ack.From)
	}

	link.markInitialized()
	nc.log.Infof("connector %d->%d: connected", nc.self, nc.peer.ID)
	return link, nil
}
