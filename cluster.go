package loom

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/thejerf/suture/v4"
)

// This file implements SPEC_FULL §2.C: cluster bootstrap and TLS
// configuration, extended with multiscale sub-cluster support.
// Grounded directly on definition.go's ClusterSpec/NodeDefinition/
// createFromSpec family; cipherToID and defaultPermittedProtocols are
// carried over verbatim in spirit (same table, same conservative
// default). The SubCluster field and Join's role parameter are
// the loom-specific additions: a worker process can host a subordinate
// cluster of its own by supplying a nested ClusterSpec.

var cipherToID = map[string]uint16{
	"TLS_RSA_WITH_AES_128_CBC_SHA":            0x002f,
	"TLS_RSA_WITH_AES_256_CBC_SHA":            0x0035,
	"TLS_RSA_WITH_AES_128_GCM_SHA256":         0x009c,
	"TLS_RSA_WITH_AES_256_GCM_SHA384":         0x009d,
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":    0xc009,
	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":    0xc00a,
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":      0xc013,
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":      0xc014,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":   0xc02f,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": 0xc02b,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":   0xc030,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": 0xc02c,
}

var defaultPermittedProtocols = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
}

// NodeDefinition describes one member of a cluster.
type NodeDefinition struct {
	ID            NodeID `json:"id"`
	Address       string `json:"address"`
	ListenAddress string `json:"listen_address,omitempty"`
	LocalAddress  string `json:"local_address,omitempty"`

	ipaddr     *net.TCPAddr
	listenaddr *net.TCPAddr
	localaddr  *net.TCPAddr
}

// ClusterSpec defines a process group: its members, TLS material, and,
// for multiscale clustering (SPEC_FULL §2.C), an optional nested
// ClusterSpec that this node should host as the master of a subordinate
// group once it has joined this one as a worker.
type ClusterSpec struct {
	Nodes []*NodeDefinition `json:"nodes"`

	PermittedProtocols []string `json:"permitted_protocols,omitempty"`

	NodeKeyPath  string `json:"node_key_path,omitempty"`
	NodeCertPath string `json:"node_cert_path,omitempty"`
	NodeKeyPEM   string `json:"node_key_pem,omitempty"`
	NodeCertPEM  string `json:"node_cert_pem,omitempty"`

	RootCAPath string `json:"root_ca_path,omitempty"`
	RootCAPEM  string `json:"root_ca_pem,omitempty"`

	// SubCluster, when non-nil, is stood up locally once this node has
	// finished joining the outer cluster: this process becomes node 1
	// (master) of the nested group described here, regardless of its
	// own id in the outer group.
	SubCluster *ClusterSpec `json:"sub_cluster,omitempty"`

	cert tls.Certificate
	pool *x509.CertPool
	tlsConfig *tls.Config
}

// hash computes the fnv hash the handshake exchanges to detect a
// cluster-definition mismatch between two nodes, mirroring
// definition.go's cluster-hash check.
func (spec *ClusterSpec) hash() uint32 {
	h := fnv.New32a()
	for _, n := range spec.Nodes {
		fmt.Fprintf(h, "%d:%s;", n.ID, n.Address)
	}
	return h.Sum32()
}

func (spec *ClusterSpec) nodeByID(id NodeID) (*NodeDefinition, bool) {
	for _, n := range spec.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

func resolveAddrs(spec *ClusterSpec) error {
	for _, n := range spec.Nodes {
		addr, err := net.ResolveTCPAddr("tcp", n.Address)
		if err != nil {
			return fmt.Errorf("loom: resolving address of node %d: %w", n.ID, err)
		}
		n.ipaddr = addr
		n.listenaddr = addr
		if n.ListenAddress != "" {
			n.listenaddr, err = net.ResolveTCPAddr("tcp", n.ListenAddress)
			if err != nil {
				return fmt.Errorf("loom: resolving listen address of node %d: %w", n.ID, err)
			}
		}
		if n.LocalAddress != "" {
			n.localaddr, err = net.ResolveTCPAddr("tcp", n.LocalAddress)
			if err != nil {
				return fmt.Errorf("loom: resolving local address of node %d: %w", n.ID, err)
			}
		}
	}
	return nil
}

func buildTLSConfig(spec *ClusterSpec) error {
	var certPEM, keyPEM []byte
	var err error
	if spec.NodeCertPath != "" {
		certPEM, err = os.ReadFile(spec.NodeCertPath)
		if err != nil {
			return err
		}
		keyPEM, err = os.ReadFile(spec.NodeKeyPath)
		if err != nil {
			return err
		}
	} else {
		certPEM = []byte(spec.NodeCertPEM)
		keyPEM = []byte(spec.NodeKeyPEM)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("loom: loading node certificate: %w", err)
	}
	spec.cert = cert

	pool := x509.NewCertPool()
	var caPEM []byte
	if spec.RootCAPath != "" {
		caPEM, err = os.ReadFile(spec.RootCAPath)
		if err != nil {
			return err
		}
	} else {
		caPEM = []byte(spec.RootCAPEM)
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return errors.New("loom: could not parse root CA PEM")
	}
	spec.pool = pool

	cipherSuites := defaultPermittedProtocols
	if len(spec.PermittedProtocols) > 0 {
		cipherSuites = cipherSuites[:0]
		for _, name := range spec.PermittedProtocols {
			id, ok := cipherToID[strings.ToUpper(name)]
			if !ok {
				return fmt.Errorf("loom: unknown permitted protocol %q", name)
			}
			cipherSuites = append(cipherSuites, id)
		}
	}

	spec.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		CipherSuites: cipherSuites,
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}

// CreateFromReader parses a JSON ClusterSpec from r.
func CreateFromReader(r io.Reader) (*ClusterSpec, error) {
	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var spec ClusterSpec
	if err := json.Unmarshal(contents, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// CreateFromSpecFile loads a ClusterSpec from a JSON file on disk.
func CreateFromSpecFile(path string) (*ClusterSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return CreateFromReader(f)
}

// Join stands up this node's side of the cluster described by spec:
// resolves addresses, builds the TLS mesh config, starts a listener for
// peers with a higher id, and dials every peer with a lower id: in each
// connection pair, the node with the HIGHER NodeID establishes the
// connection.
// The returned ProcessGroup is also registered as PGRP(role) for the
// process.
func Join(spec *ClusterSpec, self NodeID, role Role, log ClusterLogger) (*ProcessGroup, error) {
	if role == RoleDefault {
		return nil, errors.New("loom: Join requires an explicit RoleMaster or RoleWorker")
	}
	if _, ok := spec.nodeByID(self); !ok {
		return nil, fmt.Errorf("loom: node id %d is not present in the cluster spec", self)
	}
	if err := resolveAddrs(spec); err != nil {
		return nil, err
	}
	if err := buildTLSConfig(spec); err != nil {
		return nil, err
	}

	pg := newProcessGroup(role, self, log)
	pg.table.self = self
	sup := suture.NewSimple(fmt.Sprintf("loom-cluster-%d", self))
	sup.Add(pg.gc)

	selfDef, _ := spec.nodeByID(self)
	ln, err := net.ListenTCP("tcp", selfDef.listenaddr)
	if err != nil {
		return nil, fmt.Errorf("loom: listening on %s: %w", selfDef.listenaddr, err)
	}
	listener := &nodeListener{pg: pg, spec: spec, self: self, ln: ln, tlsConfig: spec.tlsConfig, log: resolveLog(log)}
	sup.Add(listener)

	for _, n := range spec.Nodes {
		if n.ID == self || n.ID > self {
			continue
		}
		connector := &nodeConnector{pg: pg, spec: spec, self: self, peer: n, tlsConfig: spec.tlsConfig, log: resolveLog(log)}
		sup.Add(connector)
	}

	go func() { _ = sup.Serve(nil) }() //nolint:staticcheck // background supervision until process exit
	setClusterGroup(role, pg)

	// Keep this group's default pool (every currently connected worker,
	// spec.md §4.H) in sync with link connect/disconnect events. Scoped
	// to pg itself so a subordinate SubCluster's connection events never
	// reach this group's callback (and vice versa).
	pg.AddConnectionStatusCallback(func(id NodeID, connected bool) {
		if connected {
			_ = pg.pool.Push(context.Background(), id)
		} else {
			pg.pool.evict(id)
		}
	})

	if spec.SubCluster != nil {
		subPG, err := Join(spec.SubCluster, 1, RoleMaster, log)
		if err != nil {
			return pg, fmt.Errorf("loom: starting sub-cluster: %w", err)
		}
		pg.sub = subPG
		subPG.parent = pg
	}

	return pg, nil
}

func parseNodeIDString(s string) (NodeID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return NodeID(n), nil
}
