package chain

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	nomaderrors "nomad/pkg/errors"
)

// FakeAdapter is a hand-written, in-memory stand-in for *Adapter, satisfying
// the same method set the pipeline depends on, so pipeline tests can drive
// the full S4-S8 state machine deterministically without a real EVM RPC
// endpoint (§5 of SPEC_FULL.md: "a hand-written in-memory chain.Adapter
// fake ... backs pipeline tests").
//
// Each broadcast transaction is modeled as its own single-transaction
// block, so FetchReceipts/merkle.BuildInclusionProof exercise the real
// Merkle-Patricia trie code against a minimal, well-formed receipt set.
type FakeAdapter struct {
	mu sync.Mutex

	// BondedBy maps an escrow address to the sender currently holding its
	// bond, for IsBondedBy. ValidateEscrow does not consult it; it returns
	// ValidateEscrowErr.
	BondedBy map[common.Address]common.Address

	MinBondAmt          *big.Int
	ValidateEscrowErr   error
	BondErr             error // returned instead of recording a bond send, e.g. "already bonded by other"
	TransferErr         error
	ClaimErr            error
	ClaimAlreadyClaimed bool

	// TransientFailTimes, if >0, makes the first TransientFailTimes SendRaw
	// calls fail with TransientErr (RpcTransport by default) before falling
	// through to the normal send path, modeling a flaky RPC endpoint that
	// recovers within a pipeline step's retry budget.
	TransientFailTimes int
	TransientErr       error
	transientAttempts  int

	SendCalls []SendCall

	receipts map[common.Hash]*gethtypes.Receipt
	byBlock  map[common.Hash][]*gethtypes.Receipt
}

// SendCall records one SendRaw invocation for test assertions.
type SendCall struct {
	Sender common.Address
	To     common.Address
	Data   []byte
}

// NewFakeAdapter constructs a FakeAdapter ready for a single pipeline run.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		BondedBy:   make(map[common.Address]common.Address),
		MinBondAmt: big.NewInt(1000),
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
		byBlock:    make(map[common.Hash][]*gethtypes.Receipt),
	}
}

func (f *FakeAdapter) ValidateEscrow(ctx context.Context, tmpl EscrowTemplate, escrow, token, recipient common.Address, transferAmount, rewardAmount *uint256.Int) error {
	return f.ValidateEscrowErr
}

func (f *FakeAdapter) IsBondedBy(ctx context.Context, escrow, by common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder, ok := f.BondedBy[escrow]
	return ok && holder == by, nil
}

func (f *FakeAdapter) MinBond(ctx context.Context, escrow common.Address) (*big.Int, error) {
	return f.MinBondAmt, nil
}

func (f *FakeAdapter) SendRaw(ctx context.Context, sender *bind.TransactOpts, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SendCalls = append(f.SendCalls, SendCall{Sender: sender.From, To: to, Data: append([]byte(nil), data...)})

	if f.transientAttempts < f.TransientFailTimes {
		f.transientAttempts++
		if f.TransientErr != nil {
			return common.Hash{}, f.TransientErr
		}
		return common.Hash{}, nomaderrors.New(nomaderrors.RpcTransport, "fake adapter: transient send failure")
	}

	switch {
	case hasSelector(data, "bond"):
		if f.BondErr != nil {
			return common.Hash{}, f.BondErr
		}
		f.BondedBy[to] = sender.From
	case hasSelector(data, "claim"):
		if f.ClaimAlreadyClaimed {
			return common.Hash{}, nomaderrors.New(nomaderrors.RpcTransport, "claim reverted: already claimed")
		}
		if f.ClaimErr != nil {
			return common.Hash{}, f.ClaimErr
		}
	default:
		if f.TransferErr != nil {
			return common.Hash{}, f.TransferErr
		}
	}

	txHash := crypto.Keccak256Hash(data, sender.From.Bytes(), big.NewInt(int64(len(f.SendCalls))).Bytes())
	blockHash := crypto.Keccak256Hash(txHash.Bytes(), []byte("block"))

	receipt := &gethtypes.Receipt{
		Status:           gethtypes.ReceiptStatusSuccessful,
		TxHash:           txHash,
		BlockHash:        blockHash,
		TransactionIndex: 0,
	}
	if !hasSelector(data, "bond") && !hasSelector(data, "claim") {
		receipt.Logs = []*gethtypes.Log{{Address: to, Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}, Index: 0}}
	}

	f.receipts[txHash] = receipt
	f.byBlock[blockHash] = []*gethtypes.Receipt{receipt}
	return txHash, nil
}

func hasSelector(data []byte, method string) bool {
	if len(data) < 4 {
		return false
	}
	return bytes.Equal(data[:4], escrowABI.Methods[method].ID)
}

func (f *FakeAdapter) AwaitReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	return f.TransactionReceipt(ctx, tx)
}

func (f *FakeAdapter) TransactionReceipt(ctx context.Context, tx common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[tx]
	if !ok {
		return nil, nomaderrors.New(nomaderrors.Timeout, "fake adapter: unknown tx")
	}
	return r, nil
}

func (f *FakeAdapter) FetchReceipts(ctx context.Context, blockHash common.Hash) ([]*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byBlock[blockHash]
	if !ok {
		return nil, nomaderrors.New(nomaderrors.ProofConstruction, "fake adapter: unknown block")
	}
	return r, nil
}
