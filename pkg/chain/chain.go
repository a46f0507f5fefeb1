// Package chain wraps an EVM JSON-RPC endpoint with the typed operations
// the signal pipeline needs: balances, nonce-managed sends, receipt
// awaiting, and Merkle-Patricia inclusion proofs (C3, §4.2).
package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
)

// Adapter is a typed wrapper over an EVM RPC endpoint. It serializes all
// sends for a given sender key behind the nonce cache so two workers racing
// on different signals but sharing a key never broadcast with the same
// nonce (§4.2, §5).
type Adapter struct {
	client *ethclient.Client
	nonces *nonceCache

	mu       sync.Mutex
	inFlight map[common.Address]*sync.Mutex
}

// Dial connects to an EVM JSON-RPC endpoint and opens the nonce cache at
// nonceCacheDir.
func Dial(ctx context.Context, rpcURL, nonceCacheDir string) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "dial eth rpc")
	}
	nc, err := openNonceCache(nonceCacheDir)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, nonces: nc, inFlight: make(map[common.Address]*sync.Mutex)}, nil
}

func (a *Adapter) Close() error {
	a.client.Close()
	return a.nonces.Close()
}

func (a *Adapter) keyLock(addr common.Address) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.inFlight[addr]
	if !ok {
		l = &sync.Mutex{}
		a.inFlight[addr] = l
	}
	return l
}

// GetEthBalance returns addr's native-asset balance in wei (§4.2).
func (a *Adapter) GetEthBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	bal, err := a.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "get eth balance")
	}
	u, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, nomaderrors.New(nomaderrors.Internal, "eth balance overflows uint256")
	}
	return u, nil
}

// GetTokenBalance calls the ERC20 balanceOf(addr) view function on token
// (§4.2).
func (a *Adapter) GetTokenBalance(ctx context.Context, token, addr common.Address) (*uint256.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "pack balanceOf")
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "call balanceOf")
	}
	var unpacked struct{ Balance *big.Int }
	if err := erc20ABI.UnpackIntoInterface(&unpacked, "balanceOf", out); err != nil || unpacked.Balance == nil {
		unpacked.Balance = new(big.Int).SetBytes(out)
	}
	u, overflow := uint256.FromBig(unpacked.Balance)
	if overflow {
		return nil, nomaderrors.New(nomaderrors.Internal, "token balance overflows uint256")
	}
	return u, nil
}

// SendRaw signs and broadcasts tx using the next nonce for sender's address,
// serialized against any other send for the same key in this process
// (§4.2, §5: "at-most-one in-flight transaction per (sender key, nonce)").
// A "nonce too low" response resyncs the cache against the chain's pending
// nonce and retries exactly once with the corrected nonce (§4.2); any other
// failure is classified by classifySendError.
func (a *Adapter) SendRaw(ctx context.Context, sender *bind.TransactOpts, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	addr := sender.From
	lock := a.keyLock(addr)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := a.nextNonce(ctx, addr)
	if err != nil {
		return common.Hash{}, err
	}

	hash, sendErr := a.signAndSend(ctx, sender, to, value, data, gasLimit, nonce)
	if sendErr != nil && isNonceTooLow(sendErr) {
		onChain, rerr := a.client.PendingNonceAt(ctx, addr)
		if rerr != nil {
			return common.Hash{}, nomaderrors.Wrap(nomaderrors.RpcTransport, rerr, "resync nonce after nonce-too-low")
		}
		if err := a.nonces.Set(addr, onChain); err != nil {
			return common.Hash{}, err
		}
		nonce = onChain
		hash, sendErr = a.signAndSend(ctx, sender, to, value, data, gasLimit, nonce)
	}
	if sendErr != nil {
		return common.Hash{}, classifySendError(sendErr)
	}

	if err := a.nonces.Set(addr, nonce+1); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// signAndSend builds, signs, and broadcasts one transaction at nonce. The
// error from client.SendTransaction is returned unclassified so SendRaw can
// inspect it for "nonce too low" before wrapping it into a NomadError kind.
func (a *Adapter) signAndSend(ctx context.Context, sender *bind.TransactOpts, to common.Address, value *big.Int, data []byte, gasLimit, nonce uint64) (common.Hash, error) {
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "suggest gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := sender.Signer(sender.From, tx)
	if err != nil {
		return common.Hash{}, nomaderrors.Wrap(nomaderrors.Internal, err, "sign transaction")
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// isNonceTooLow reports whether err is the raw, unclassified error from
// client.SendTransaction rejecting a nonce already confirmed on chain — the
// one condition §4.2 requires a resync for. A caller that has already
// classified the error (wrapped as *NomadError) has ruled this out.
func isNonceTooLow(err error) bool {
	if _, ok := nomaderrors.As(err); ok {
		return false
	}
	return strings.Contains(err.Error(), "nonce too low")
}

// classifySendError maps a raw send failure to a NomadError kind. An
// already-classified error (from an earlier step of signAndSend, e.g. gas
// price or signing) passes through unchanged. "insufficient funds" is
// terminal for the step (§4.2: "'insufficient funds' is a terminal error for
// that step and surfaces to the pipeline"), everything else is a transport
// failure eligible for the pipeline's step-local retry (§7).
func classifySendError(err error) error {
	if _, ok := nomaderrors.As(err); ok {
		return err
	}
	if strings.Contains(err.Error(), "insufficient funds") {
		return nomaderrors.Wrap(nomaderrors.Funds, err, "sender balance too low for transaction")
	}
	return nomaderrors.Wrap(nomaderrors.RpcTransport, err, "send transaction")
}

func (a *Adapter) nextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	cached, ok, err := a.nonces.Get(addr)
	if err != nil {
		return 0, err
	}
	if ok {
		return cached, nil
	}
	onChain, err := a.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch pending nonce")
	}
	return onChain, nil
}

// AwaitReceipt polls for tx's receipt with exponential backoff, failing
// Timeout if it is not mined within timeout (§4.2).
func (a *Adapter) AwaitReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.AwaitReceiptPollInterval
	b.MaxInterval = constants.AwaitReceiptMaxInterval

	var receipt *types.Receipt
	op := func() error {
		r, err := a.client.TransactionReceipt(ctx, tx)
		if err == ethereum.NotFound {
			return nomaderrors.New(nomaderrors.Timeout, "receipt not yet available")
		}
		if err != nil {
			return nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch receipt")
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, nomaderrors.New(nomaderrors.Timeout, "await_receipt deadline exceeded")
		}
		return nil, err
	}
	return receipt, nil
}

// FetchReceipts returns every receipt in the block identified by blockHash
// (§4.2).
func (a *Adapter) FetchReceipts(ctx context.Context, blockHash common.Hash) ([]*types.Receipt, error) {
	block, err := a.client.BlockByHash(ctx, blockHash)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch block")
	}
	receipts := make([]*types.Receipt, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		r, err := a.client.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch receipt")
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// ChainID returns the chain's configured chain id, needed to build an
// EIP-155 transactor for each sender key.
func (a *Adapter) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := a.client.ChainID(ctx)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch chain id")
	}
	return id, nil
}

// TransactionReceipt fetches a single receipt without the retry/backoff
// AwaitReceipt applies — for use once a transaction is already known mined.
func (a *Adapter) TransactionReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	r, err := a.client.TransactionReceipt(ctx, tx)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch receipt")
	}
	return r, nil
}

// FetchBlockHeader returns the header of blockHash (§4.2).
func (a *Adapter) FetchBlockHeader(ctx context.Context, blockHash common.Hash) (*types.Header, error) {
	h, err := a.client.HeaderByHash(ctx, blockHash)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "fetch header")
	}
	return h, nil
}

// GetCode returns the deployed bytecode at addr, used to validate an escrow
// contract against the known obfuscation template (§4.2, §6).
func (a *Adapter) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := a.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "get code")
	}
	return code, nil
}

// Call performs a read-only eth_call against to with data (§4.2).
func (a *Adapter) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "eth_call")
	}
	return out, nil
}
