package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsUnwrapsWrappedNomadError(t *testing.T) {
	base := New(EscrowInvalid, "bad template")
	wrapped := fmt.Errorf("pipeline step: %w", base)

	kind, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, EscrowInvalid, kind)
}

func TestAsFailsForPlainError(t *testing.T) {
	_, ok := As(fmt.Errorf("plain"))
	require.False(t, ok)
}

func TestIsMatchesKind(t *testing.T) {
	err := Wrap(RpcTransport, fmt.Errorf("dial refused"), "dial eth rpc")
	require.True(t, Is(err, RpcTransport))
	require.False(t, Is(err, Timeout))
}

func TestRetryableOnlyForTransportAndTimeout(t *testing.T) {
	require.True(t, RpcTransport.Retryable())
	require.True(t, Timeout.Retryable())
	require.False(t, InvalidPuzzle.Retryable())
	require.False(t, LostRace.Retryable())
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := Wrap(Internal, cause, "context")
	require.ErrorIs(t, err, cause)
}
