package gossip

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nomad/pkg/types"
)

func newTestNode(t *testing.T) *Node {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n, err := New(priv, zerolog.Nop())
	require.NoError(t, err)
	return n
}

func sampleEnvelope() types.GossipEnvelope {
	return types.GossipEnvelope{
		Signal: types.Signal{
			EscrowContract: [20]byte{0x01},
			AcknowledgementURL: "https://example.test",
			Puzzle:         []byte{0x01},
			Ciphertext:     []byte{0x02},
		},
	}
}

// TestDedupSuppressesRepeatedDelivery covers §8 invariant 7's second half:
// a signal seen once must not invoke OnSignal or re-broadcast again.
func TestDedupSuppressesRepeatedDelivery(t *testing.T) {
	n := newTestNode(t)

	var mu sync.Mutex
	calls := 0
	n.OnSignal = func(env types.GossipEnvelope) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	env := sampleEnvelope()
	n.handleEnvelope(nil, env)
	n.handleEnvelope(nil, env)
	n.handleEnvelope(nil, env)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestHopCountCapStopsForwarding(t *testing.T) {
	n := newTestNode(t)
	env := sampleEnvelope()
	env.HopCount = 999999

	var called bool
	n.OnSignal = func(types.GossipEnvelope) { called = true }

	capped := &peer{name: "capped", outbox: make(chan types.GossipEnvelope, 1), closed: make(chan struct{})}
	n.peers[capped.name] = capped

	n.handleEnvelope(nil, env)
	require.True(t, called, "a signal is still delivered locally even once hop-capped")
	require.Empty(t, capped.outbox, "a hop-capped signal must not be forwarded")
}

// TestListenDialExchangesEnvelope is a small end-to-end check of the
// TLS+Ed25519 identity handshake and framing over real loopback TCP.
func TestListenDialExchangesEnvelope(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	require.NoError(t, a.Listen("127.0.0.1:0"))
	defer a.Close()
	addr := a.listener.Addr().String()

	received := make(chan types.GossipEnvelope, 1)
	a.OnSignal = func(env types.GossipEnvelope) { received <- env }

	require.NoError(t, b.Dial(addr))
	defer b.Close()

	time.Sleep(50 * time.Millisecond) // allow the accept-side handshake to settle

	sig := sampleEnvelope().Signal
	require.NoError(t, b.Ingest(sig))

	select {
	case env := <-received:
		require.Equal(t, sig.EscrowContract, env.Signal.EscrowContract)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gossiped signal")
	}
}
