package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"nomad/pkg/chain"
)

// ChainClient is the subset of *chain.Adapter the pipeline depends on.
// Defining it here, at the consumer, lets pipeline tests substitute
// *chain.FakeAdapter without pipeline importing a test-only type (§5 of
// SPEC_FULL.md).
type ChainClient interface {
	ValidateEscrow(ctx context.Context, tmpl chain.EscrowTemplate, escrow, token, recipient common.Address, transferAmount, rewardAmount *uint256.Int) error
	IsBondedBy(ctx context.Context, escrow, by common.Address) (bool, error)
	MinBond(ctx context.Context, escrow common.Address) (*big.Int, error)
	SendRaw(ctx context.Context, sender *bind.TransactOpts, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error)
	AwaitReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*gethtypes.Receipt, error)
	TransactionReceipt(ctx context.Context, tx common.Hash) (*gethtypes.Receipt, error)
	FetchReceipts(ctx context.Context, blockHash common.Hash) ([]*gethtypes.Receipt, error)
}

// RelayerClient is the subset of *relayer.Client the pipeline depends on.
type RelayerClient interface {
	FetchK1(ctx context.Context, k2 [32]byte) ([32]byte, error)
}
