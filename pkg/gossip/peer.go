package gossip

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/signal"
	"nomad/pkg/types"
)

// peer owns one TLS connection and a bounded outbound send queue. A slow or
// stalled peer must never block the node's flood loop, so sends that can't
// keep up drop the oldest queued envelope rather than backing up the whole
// node (§4.5, §5).
type peer struct {
	name string
	conn *tls.Conn

	mu     sync.Mutex
	outbox chan types.GossipEnvelope
	closed chan struct{}

	log zerolog.Logger
}

func newPeer(name string, conn *tls.Conn, log zerolog.Logger) *peer {
	p := &peer{
		name:   name,
		conn:   conn,
		outbox: make(chan types.GossipEnvelope, constants.PeerSendQueueSize),
		closed: make(chan struct{}),
		log:    log.With().Str("peer", name).Logger(),
	}
	go p.writeLoop()
	return p
}

// enqueue drop-oldest's the envelope onto the peer's send queue.
func (p *peer) enqueue(env types.GossipEnvelope) {
	select {
	case p.outbox <- env:
		return
	default:
	}
	select {
	case <-p.outbox:
	default:
	}
	select {
	case p.outbox <- env:
	default:
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case env, ok := <-p.outbox:
			if !ok {
				return
			}
			if err := p.send(env); err != nil {
				p.log.Warn().Err(err).Msg("gossip send failed, closing peer")
				p.Close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *peer) send(env types.GossipEnvelope) error {
	wire, err := signal.Encode(env)
	if err != nil {
		return err
	}
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(wire)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.conn.Write(length); err != nil {
		return nomaderrors.Wrap(nomaderrors.RpcTransport, err, "write frame length")
	}
	if _, err := p.conn.Write(wire); err != nil {
		return nomaderrors.Wrap(nomaderrors.RpcTransport, err, "write frame body")
	}
	return nil
}

// readLoop reads length-prefixed envelopes until the connection closes or
// errors, invoking onEnvelope for each.
func (p *peer) readLoop(onEnvelope func(*peer, types.GossipEnvelope)) {
	defer p.Close()
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(p.conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > constants.MaxPuzzleSize*2 {
			p.log.Warn().Uint32("len", n).Msg("gossip frame too large, dropping peer")
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(p.conn, body); err != nil {
			return
		}
		env, err := signal.Decode(body)
		if err != nil {
			p.log.Warn().Err(err).Msg("gossip frame decode failed")
			continue
		}
		onEnvelope(p, env)
	}
}

func (p *peer) Close() {
	select {
	case <-p.closed:
		return
	default:
		close(p.closed)
	}
	p.conn.Close()
}
