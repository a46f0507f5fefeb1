package pipeline

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nomad/pkg/chain"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/signal"
	"nomad/pkg/types"
)

// fakeRelayer is a minimal RelayerClient stand-in: it always answers FetchK1
// with a fixed k1, optionally failing the first N calls to model scenario
// (c)'s relayer-outage-then-recovery at the pipeline level.
type fakeRelayer struct {
	k1        [32]byte
	failTimes int
	calls     int
}

func (f *fakeRelayer) FetchK1(ctx context.Context, k2 [32]byte) ([32]byte, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return [32]byte{}, nomaderrors.New(nomaderrors.RelayerUnavailable, "relayer unavailable")
	}
	return f.k1, nil
}

// solvedK2 runs the fixed happy-path puzzle through the real VM to learn its
// k2 output, the same one every pipeline run against that puzzle must derive
// in S1_Solve.
func solvedK2(t *testing.T) [32]byte {
	t.Helper()
	p := &Processor{Log: zerolog.Nop()}
	k2, err := p.solve(zerolog.Nop(), types.Signal{Puzzle: buildHappyPathPuzzle()})
	require.NoError(t, err)
	return k2
}

func happyPathSignal(t *testing.T, id types.ID, k1, k2 [32]byte, escrow, token, recipient common.Address, plaintext []byte) types.Signal {
	t.Helper()
	ciphertext, err := signal.Encrypt(plaintext, id, k1, k2)
	require.NoError(t, err)
	return types.Signal{
		EscrowContract: escrow,
		TokenContract:  token,
		Recipient:      recipient,
		Puzzle:         buildHappyPathPuzzle(),
		Ciphertext:     ciphertext,
	}
}

func keyPair() Keys {
	return Keys{
		A: &bind.TransactOpts{From: common.HexToAddress("0xAAAA000000000000000000000000000000000A")},
		B: &bind.TransactOpts{From: common.HexToAddress("0xBBBB000000000000000000000000000000000B")},
	}
}

// TestProcessorRunHappyPath covers scenario (a) of §8: solve, fetch k1,
// decrypt, validate, bond, transfer, build proof, claim, all the way to
// S9_Done with a successful tx hash.
func TestProcessorRunHappyPath(t *testing.T) {
	var k1 [32]byte
	k1[0] = 0x11

	escrow := common.HexToAddress("0xE000000000000000000000000000000000000E")
	token := common.HexToAddress("0xC000000000000000000000000000000000000C")
	recipient := common.HexToAddress("0xD000000000000000000000000000000000000D")

	k2 := solvedK2(t)
	id := types.ID{0x01}
	sig := happyPathSignal(t, id, k1, k2, escrow, token, recipient, []byte("transfer call-data"))

	fakeChain := chain.NewFakeAdapter()
	p := &Processor{
		Chain:   fakeChain,
		Relayer: &fakeRelayer{k1: k1},
		Log:     zerolog.Nop(),
	}

	outcome := p.Run(context.Background(), id, sig, keyPair())
	require.True(t, outcome.Success)
	require.Empty(t, outcome.Kind)
	require.NotNil(t, outcome.TxHash)

	require.Len(t, fakeChain.SendCalls, 3) // bond, transfer, claim
}

// TestProcessorRunLostRace covers scenario (b): bond() reverts because
// another worker's key already holds the escrow's bond, and the outcome
// must classify as LostRace rather than a generic failure.
func TestProcessorRunLostRace(t *testing.T) {
	var k1 [32]byte
	k1[0] = 0x33

	escrow := common.HexToAddress("0xE000000000000000000000000000000000000E")
	token := common.HexToAddress("0xC000000000000000000000000000000000000C")
	recipient := common.HexToAddress("0xD000000000000000000000000000000000000D")

	k2 := solvedK2(t)
	id := types.ID{0x02}
	sig := happyPathSignal(t, id, k1, k2, escrow, token, recipient, []byte("call-data"))

	fakeChain := chain.NewFakeAdapter()
	fakeChain.BondErr = nomaderrors.New(nomaderrors.RpcTransport, "bond reverted: already bonded")

	p := &Processor{
		Chain:   fakeChain,
		Relayer: &fakeRelayer{k1: k1},
		Log:     zerolog.Nop(),
	}

	outcome := p.Run(context.Background(), id, sig, keyPair())
	require.False(t, outcome.Success)
	require.Equal(t, string(nomaderrors.LostRace), outcome.Kind)
}

// TestProcessorRunSkipsBondWhenAlreadyHeld covers scenario (e): a worker
// re-leased after a crash discovers its own key already holds the bond and
// proceeds straight to S6_Transfer without re-sending bond().
func TestProcessorRunSkipsBondWhenAlreadyHeld(t *testing.T) {
	var k1 [32]byte
	k1[0] = 0x55

	escrow := common.HexToAddress("0xE000000000000000000000000000000000000E")
	token := common.HexToAddress("0xC000000000000000000000000000000000000C")
	recipient := common.HexToAddress("0xD000000000000000000000000000000000000D")

	k2 := solvedK2(t)
	id := types.ID{0x03}
	sig := happyPathSignal(t, id, k1, k2, escrow, token, recipient, []byte("call-data"))

	keys := keyPair()
	fakeChain := chain.NewFakeAdapter()
	fakeChain.BondedBy[escrow] = keys.A.From // pre-crash bond already recorded

	p := &Processor{
		Chain:   fakeChain,
		Relayer: &fakeRelayer{k1: k1},
		Log:     zerolog.Nop(),
	}

	outcome := p.Run(context.Background(), id, sig, keys)
	require.True(t, outcome.Success)

	for _, call := range fakeChain.SendCalls {
		require.False(t, hasSelectorInTest(call.Data), "bond() must not be re-sent once IsBondedBy reports true")
	}
}

func hasSelectorInTest(data []byte) bool {
	bondData, _ := chain.PackBond()
	return len(data) >= 4 && len(bondData) >= 4 && string(data[:4]) == string(bondData[:4])
}

// TestProcessorRunSurfacesRelayerFailureAsFailedOutcome covers the
// pipeline-level half of scenario (c): relayer.Client already retries
// FetchK1 internally (see relayer_test.go), so if a RelayerClient still
// returns an error after its own retries are exhausted, the processor must
// surface it as a non-success Outcome carrying the relayer's error kind
// rather than panicking or hanging. RelayerUnavailable is not a retryable
// kind, so the supervisor records that outcome as final.
func TestProcessorRunSurfacesRelayerFailureAsFailedOutcome(t *testing.T) {
	var k1 [32]byte
	k1[0] = 0x77

	escrow := common.HexToAddress("0xE000000000000000000000000000000000000E")
	token := common.HexToAddress("0xC000000000000000000000000000000000000C")
	recipient := common.HexToAddress("0xD000000000000000000000000000000000000D")

	k2 := solvedK2(t)
	id := types.ID{0x04}
	sig := happyPathSignal(t, id, k1, k2, escrow, token, recipient, []byte("call-data"))

	p := &Processor{
		Chain:   chain.NewFakeAdapter(),
		Relayer: &fakeRelayer{k1: k1, failTimes: 99},
		Log:     zerolog.Nop(),
	}

	outcome := p.Run(context.Background(), id, sig, keyPair())
	require.False(t, outcome.Success)
	require.Equal(t, string(nomaderrors.RelayerUnavailable), outcome.Kind)
}
