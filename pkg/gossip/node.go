// Package gossip implements the peer-to-peer overlay (C6): TLS1.3-secured
// TCP sessions between nodes, flood-gossiping signals with per-message
// dedup, a hop-count cap, and bounded per-peer send queues (§4.5).
package gossip

import (
	"crypto/ed25519"
	"crypto/tls"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/signal"
	"nomad/pkg/types"
)

// Node owns this process's peer set and dedup cache. OnSignal is invoked
// exactly once per distinct signal id received from a peer, on first
// receipt (§8 invariant 7). A signal handed in through Ingest (local RPC)
// is marked seen without invoking OnSignal, so later peer copies are dropped.
type Node struct {
	id  *identity
	log zerolog.Logger

	tlsConfig *tls.Config
	listener  net.Listener

	mu    sync.RWMutex
	peers map[string]*peer

	seen *lru.Cache[types.ID, struct{}]

	OnSignal func(env types.GossipEnvelope)
}

// New constructs a gossip node from a long-lived Ed25519 key.
func New(priv ed25519.PrivateKey, log zerolog.Logger) (*Node, error) {
	id, err := newIdentity(priv)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := id.tlsConfig()
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[types.ID, struct{}](constants.GossipDedupLRUSize)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "build dedup cache")
	}
	return &Node{
		id:        id,
		log:       log.With().Str("component", "gossip").Logger(),
		tlsConfig: tlsConfig,
		peers:     make(map[string]*peer),
		seen:      seen,
	}, nil
}

// Name is this node's deterministic peer identity string.
func (n *Node) Name() string { return n.id.name }

// Listen starts accepting inbound peer connections on addr.
func (n *Node) Listen(addr string) error {
	ln, err := tls.Listen("tcp", addr, n.tlsConfig)
	if err != nil {
		return nomaderrors.Wrap(nomaderrors.Internal, err, "listen gossip port")
	}
	n.listener = ln
	go n.acceptLoop(ln)
	return nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go n.adopt(tlsConn, "")
	}
}

// Dial connects to a peer at addr and adds it to the peer set.
func (n *Node) Dial(addr string) error {
	conn, err := tls.Dial("tcp", addr, n.tlsConfig)
	if err != nil {
		return nomaderrors.Wrap(nomaderrors.RpcTransport, err, "dial peer")
	}
	n.adopt(conn, addr)
	return nil
}

func (n *Node) adopt(conn *tls.Conn, dialedAddr string) {
	if err := conn.Handshake(); err != nil {
		n.log.Warn().Err(err).Str("addr", dialedAddr).Msg("gossip handshake failed")
		conn.Close()
		return
	}
	name := peerNameFromConn(conn)
	if name == "" {
		conn.Close()
		return
	}

	p := newPeer(name, conn, n.log)
	n.mu.Lock()
	n.peers[name] = p
	n.mu.Unlock()

	go p.readLoop(n.handleEnvelope)
}

func peerNameFromConn(conn *tls.Conn) string {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].DNSNames[0]
}

// PeerCount returns the number of currently connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// handleEnvelope is invoked by a peer's read loop for every frame it
// receives.
func (n *Node) handleEnvelope(from *peer, env types.GossipEnvelope) {
	id, err := signal.ID(env.Signal)
	if err != nil {
		n.log.Warn().Err(err).Msg("gossip: undecodable signal, dropping")
		return
	}

	if _, dup := n.seen.Get(id); dup {
		return
	}
	n.seen.Add(id, struct{}{})

	if n.OnSignal != nil {
		n.OnSignal(env)
	}

	if env.HopCount >= constants.MaxHopCount {
		return
	}
	n.broadcast(env, from)
}

// Ingest is the entry point for a signal accepted locally (via RPC) rather
// than received from a peer: it marks the id seen and floods to every peer,
// satisfying the same "forward exactly once" invariant as a gossip receipt
// (§4.5, §8 invariant 7).
func (n *Node) Ingest(sig types.Signal) error {
	id, err := signal.ID(sig)
	if err != nil {
		return err
	}
	if _, dup := n.seen.Get(id); dup {
		return nil
	}
	n.seen.Add(id, struct{}{})
	n.broadcast(types.GossipEnvelope{Signal: sig, OriginPeer: n.id.name, HopCount: 0}, nil)
	return nil
}

// broadcast enqueues env on every peer's send queue except exclude (the
// peer it arrived from, if any), incrementing its hop count (§4.5).
func (n *Node) broadcast(env types.GossipEnvelope, exclude *peer) {
	forward := env
	forward.HopCount = env.HopCount + 1

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.peers {
		if p == exclude {
			continue
		}
		p.enqueue(forward)
	}
}

// Close shuts down the listener and every peer connection.
func (n *Node) Close() error {
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
	return nil
}
