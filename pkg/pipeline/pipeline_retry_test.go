package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nomad/pkg/chain"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/types"
)

func TestClassifyBondErrorPassesThroughFunds(t *testing.T) {
	funds := nomaderrors.New(nomaderrors.Funds, "sender balance too low")
	require.Same(t, funds, classifyBondError(funds))
}

func TestClassifyBondErrorDetectsRevertAsLostRace(t *testing.T) {
	err := classifyBondError(nomaderrors.New(nomaderrors.RpcTransport, "execution reverted: already bonded"))
	kind, ok := nomaderrors.As(err)
	require.True(t, ok)
	require.Equal(t, nomaderrors.LostRace, kind)
}

func TestClassifyBondErrorLeavesTransportFailureRetryable(t *testing.T) {
	transient := nomaderrors.New(nomaderrors.RpcTransport, "dial tcp: connection refused")
	got := classifyBondError(transient)
	kind, ok := nomaderrors.As(got)
	require.True(t, ok)
	require.Equal(t, nomaderrors.RpcTransport, kind)
	require.True(t, kind.Retryable())
}

func TestIsAlreadyClaimedDistinguishesRevertFromTransport(t *testing.T) {
	require.True(t, isAlreadyClaimed(nomaderrors.New(nomaderrors.RpcTransport, "claim reverted: already claimed")))
	require.False(t, isAlreadyClaimed(nomaderrors.New(nomaderrors.RpcTransport, "dial tcp: i/o timeout")))
}

// TestRetryStepRetriesOnlyRetryableKinds covers §7's "RpcTransport and
// Timeout trigger step-local retries ... all other kinds are terminal".
func TestRetryStepRetriesOnlyRetryableKinds(t *testing.T) {
	attempts := 0
	err := retryStep(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return nomaderrors.New(nomaderrors.RpcTransport, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryStepStopsImmediatelyOnNonRetryableKind(t *testing.T) {
	attempts := 0
	err := retryStep(context.Background(), func() error {
		attempts++
		return nomaderrors.New(nomaderrors.EscrowInvalid, "bad template")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	kind, ok := nomaderrors.As(err)
	require.True(t, ok)
	require.Equal(t, nomaderrors.EscrowInvalid, kind)
}

func TestRetryStepGivesUpAfterBoundedAttempts(t *testing.T) {
	attempts := 0
	err := retryStep(context.Background(), func() error {
		attempts++
		return nomaderrors.New(nomaderrors.Timeout, "still waiting")
	})
	require.Error(t, err)
	kind, ok := nomaderrors.As(err)
	require.True(t, ok)
	require.Equal(t, nomaderrors.Timeout, kind)
	require.LessOrEqual(t, attempts, 3)
	require.Greater(t, attempts, 1)
}

// TestProcessorRunSurvivesTransientBondFailure covers §7's step-local retry
// requirement end to end: bond() fails with a transport error twice before
// succeeding, and the pipeline still reaches S9_Done without surfacing a
// failure to the caller.
func TestProcessorRunSurvivesTransientBondFailure(t *testing.T) {
	var k1 [32]byte
	k1[0] = 0x44

	escrow := common.HexToAddress("0xE000000000000000000000000000000000000E")
	token := common.HexToAddress("0xC000000000000000000000000000000000000C")
	recipient := common.HexToAddress("0xD000000000000000000000000000000000000D")

	k2 := solvedK2(t)
	id := types.ID{0x05}
	sig := happyPathSignal(t, id, k1, k2, escrow, token, recipient, []byte("call-data"))

	fakeChain := chain.NewFakeAdapter()
	fakeChain.TransientFailTimes = 2

	p := &Processor{
		Chain:   fakeChain,
		Relayer: &fakeRelayer{k1: k1},
		Log:     zerolog.Nop(),
	}

	outcome := p.Run(context.Background(), id, sig, keyPair())
	require.True(t, outcome.Success)
	require.Empty(t, outcome.Kind)
}

// TestProcessorRunSurfacesFundsWithoutMisclassifyingAsLostRace covers the
// review fix for classifyBondError: an insufficient-funds bond failure must
// surface as Funds, not LostRace, so the supervisor's Funds-triggered key
// pause can fire.
func TestProcessorRunSurfacesFundsWithoutMisclassifyingAsLostRace(t *testing.T) {
	var k1 [32]byte
	k1[0] = 0x66

	escrow := common.HexToAddress("0xE000000000000000000000000000000000000E")
	token := common.HexToAddress("0xC000000000000000000000000000000000000C")
	recipient := common.HexToAddress("0xD000000000000000000000000000000000000D")

	k2 := solvedK2(t)
	id := types.ID{0x06}
	sig := happyPathSignal(t, id, k1, k2, escrow, token, recipient, []byte("call-data"))

	fakeChain := chain.NewFakeAdapter()
	fakeChain.BondErr = nomaderrors.Wrap(nomaderrors.Funds, errors.New("insufficient funds"), "sender balance too low for transaction")

	p := &Processor{
		Chain:   fakeChain,
		Relayer: &fakeRelayer{k1: k1},
		Log:     zerolog.Nop(),
	}

	outcome := p.Run(context.Background(), id, sig, keyPair())
	require.False(t, outcome.Success)
	require.Equal(t, string(nomaderrors.Funds), outcome.Kind)
}
