// Package pipeline implements the processor (C7): the S0-S9 state machine
// that turns a leased signal into a claimed reward, touching the puzzle VM
// (C1), the chain adapter (C3), and the relayer (C4) along the way (§4.6).
package pipeline

import (
	"context"
	"math/big"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"nomad/pkg/chain"
	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/merkle"
	"nomad/pkg/signal"
	"nomad/pkg/types"
	"nomad/pkg/vm"
)

// State names a step of the pipeline, for logging (§4.6).
type State string

const (
	S0Leased         State = "S0_Leased"
	S1Solve          State = "S1_Solve"
	S2FetchK1        State = "S2_FetchK1"
	S3Decrypt        State = "S3_Decrypt"
	S4ValidateEscrow State = "S4_ValidateEscrow"
	S5Bond           State = "S5_Bond"
	S6Transfer       State = "S6_Transfer"
	S7BuildProof     State = "S7_BuildProof"
	S8Claim          State = "S8_Claim"
	S9Done           State = "S9_Done"
)

// Keys bundles the two sender identities a write-mode node needs: A bonds
// and claims, B submits the transfer, decoupling the two roles (§4.6).
type Keys struct {
	A *bind.TransactOpts
	B *bind.TransactOpts
}

// Processor runs the pipeline for one signal at a time; a worker owns
// exactly one Processor invocation per leased signal (§4.4, §5).
type Processor struct {
	Chain    ChainClient
	Relayer  RelayerClient
	Template chain.EscrowTemplate
	Log      zerolog.Logger
}

// Run drives signal id, sig through S1-S9 and returns the terminal outcome.
// It never panics on a chain/relayer failure: every error kind it cannot
// recover from is converted into a types.Outcome so the caller can mark the
// pool entry Done without special-casing (§4.6, §7).
func (p *Processor) Run(ctx context.Context, id types.ID, sig types.Signal, keys Keys) types.Outcome {
	log := p.Log.With().Str("signal_id", id.String()).Logger()

	k2, err := p.solve(log, sig)
	if err != nil {
		return fail(err)
	}

	k1, err := p.fetchK1(ctx, log, k2)
	if err != nil {
		return fail(err)
	}

	plaintext, err := p.decrypt(log, sig, id, k1, k2)
	if err != nil {
		return fail(err)
	}

	if err := retryStep(ctx, func() error {
		return p.validateEscrow(ctx, log, sig)
	}); err != nil {
		return fail(err)
	}

	if err := retryStep(ctx, func() error {
		return p.bond(ctx, log, sig, keys.A)
	}); err != nil {
		return fail(err)
	}

	var txHash common.Hash
	if err := retryStep(ctx, func() error {
		h, err := p.submitTransfer(ctx, log, sig, keys.B, plaintext)
		if err == nil {
			txHash = h
		}
		return err
	}); err != nil {
		return fail(err)
	}
	if err := p.confirmTransfer(ctx, log, txHash); err != nil {
		return fail(err)
	}

	var proof types.InclusionProof
	var receiptIndex, logIndex int
	if err := retryStep(ctx, func() error {
		pr, ri, li, err := p.buildProof(ctx, log, txHash)
		if nomaderrors.Is(err, nomaderrors.ProofConstruction) {
			// S7 retries once, re-fetching the receipt and the block's receipts.
			pr, ri, li, err = p.buildProof(ctx, log, txHash)
		}
		if err == nil {
			proof, receiptIndex, logIndex = pr, ri, li
		}
		return err
	}); err != nil {
		return fail(err)
	}

	var claimTx common.Hash
	if err := retryStep(ctx, func() error {
		tx, err := p.claim(ctx, log, sig, keys.A, proof, receiptIndex, logIndex)
		if err == nil {
			claimTx = tx
		}
		return err
	}); err != nil {
		return fail(err)
	}

	log.Info().Str("state", string(S9Done)).Msg("pipeline completed")
	return types.Outcome{Success: true, TxHash: &claimTx}
}

func fail(err error) types.Outcome {
	kind, _ := nomaderrors.As(err)
	return types.Outcome{Success: false, Kind: string(kind)}
}

// retryStep runs fn, retrying with jittered backoff while its error carries
// a Retryable kind (RpcTransport or Timeout, §7), up to
// constants.StepRetryAttempts attempts total. Any other error kind — or the
// attempt budget running out — returns immediately. This is both the
// general step-local retry §7 requires and the fallback retry of
// S5_Bond/S8_Claim (§4.6): once those steps have classified the failure
// they actually recognize (LostRace, Funds, AlreadyClaimed), anything left
// over is a transport hiccup this loop retries, up to StepRetryAttempts
// attempts. S7_BuildProof reports every failure as the non-retryable
// ProofConstruction and retries itself once inside its closure in Run.
func retryStep(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		kind, _ := nomaderrors.As(err)
		if !kind.Retryable() || attempts >= constants.StepRetryAttempts {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// solve implements S1_Solve (§4.6).
func (p *Processor) solve(log zerolog.Logger, sig types.Signal) ([32]byte, error) {
	log.Debug().Str("state", string(S1Solve)).Msg("running puzzle VM")
	v := vm.NewWithBudget(sig.Puzzle, constants.DefaultCycleBudget)
	res := v.Run()
	if res.Kind != vm.ExitHalted {
		return [32]byte{}, nomaderrors.New(nomaderrors.InvalidPuzzle, "puzzle did not halt")
	}
	return res.K2, nil
}

// fetchK1 implements S2_FetchK1 (§4.6); retries live inside relayer.Client.
func (p *Processor) fetchK1(ctx context.Context, log zerolog.Logger, k2 [32]byte) ([32]byte, error) {
	log.Debug().Str("state", string(S2FetchK1)).Msg("fetching k1 from relayer")
	return p.Relayer.FetchK1(ctx, k2)
}

// decrypt implements S3_Decrypt (§4.6).
func (p *Processor) decrypt(log zerolog.Logger, sig types.Signal, id types.ID, k1, k2 [32]byte) ([]byte, error) {
	log.Debug().Str("state", string(S3Decrypt)).Msg("decrypting transfer call-data")
	return signal.Decrypt(sig, id, k1, k2)
}

// validateEscrow implements S4_ValidateEscrow (§4.6).
func (p *Processor) validateEscrow(ctx context.Context, log zerolog.Logger, sig types.Signal) error {
	log.Debug().Str("state", string(S4ValidateEscrow)).Msg("validating escrow")
	return p.Chain.ValidateEscrow(ctx, p.Template, sig.EscrowContract, sig.TokenContract, sig.Recipient, sig.TransferAmount, sig.RewardAmount)
}

// bond implements S5_Bond (§4.6): idempotent by checking isBonded first, so
// a worker that crashed after broadcasting bond() and was re-leased simply
// observes its own bond and moves on (scenario (e)).
func (p *Processor) bond(ctx context.Context, log zerolog.Logger, sig types.Signal, keyA *bind.TransactOpts) error {
	log.Debug().Str("state", string(S5Bond)).Msg("bonding")

	bonded, err := p.Chain.IsBondedBy(ctx, sig.EscrowContract, keyA.From)
	if err != nil {
		return err
	}
	if bonded {
		return nil
	}

	minBond, err := p.Chain.MinBond(ctx, sig.EscrowContract)
	if err != nil {
		return err
	}
	data, err := chain.PackBond()
	if err != nil {
		return err
	}

	tx, err := p.Chain.SendRaw(ctx, keyA, sig.EscrowContract, minBond, data, 200_000)
	if err != nil {
		return classifyBondError(err)
	}
	receipt, err := p.Chain.AwaitReceipt(ctx, tx, constants.RelayerTimeout*3)
	if err != nil {
		return err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nomaderrors.New(nomaderrors.LostRace, "bond transaction reverted, likely already held by another key")
	}
	return nil
}

// classifyBondError sorts a bond() send failure into the three outcomes
// S5_Bond's table distinguishes (§4.6). chain.SendRaw already classifies
// "insufficient funds" as Funds, so that passes through untouched. A
// contract-level revert — the only other failure a send-time rejection can
// carry, since the escrow ABI (§6) exposes no revert-reason selector — means
// another key already holds the bond. Anything else (connection errors,
// timeouts) is left as its original RpcTransport/Timeout kind so retryStep's
// "else retry once" fallback applies.
func classifyBondError(err error) error {
	if nomaderrors.Is(err, nomaderrors.Funds) {
		return err
	}
	if isRevert(err) {
		return nomaderrors.Wrap(nomaderrors.LostRace, err, "bond reverted, likely already held by another key")
	}
	return err
}

// isRevert reports whether err's message indicates the contract itself
// rejected the call (a revert) rather than the send failing to reach the
// chain at all. The escrow ABI (§6) exposes no revert-reason selector to
// decode, so bond()'s and claim()'s only realistic revert causes — already
// bonded, already claimed — are told apart from a transient transport
// failure by this text match alone.
func isRevert(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "revert") || strings.Contains(msg, "reverted")
}

// submitTransfer implements the broadcast half of S6_Transfer (§4.6).
// retryStep wraps this call: a failure here means the transfer never reached
// the chain, so resubmitting on the next attempt is safe.
func (p *Processor) submitTransfer(ctx context.Context, log zerolog.Logger, sig types.Signal, keyB *bind.TransactOpts, callData []byte) (common.Hash, error) {
	log.Debug().Str("state", string(S6Transfer)).Msg("submitting transfer")

	tx, err := p.Chain.SendRaw(ctx, keyB, sig.TokenContract, big.NewInt(0), callData, 100_000)
	if err != nil {
		if nomaderrors.Is(err, nomaderrors.RpcTransport) || nomaderrors.Is(err, nomaderrors.Timeout) {
			return common.Hash{}, err
		}
		return common.Hash{}, nomaderrors.Wrap(nomaderrors.TransferReverted, err, "submit transfer")
	}
	return tx, nil
}

// confirmTransfer implements S6_Transfer's receipt wait and its "on timeout,
// resync and recheck" fallback (§4.6). It deliberately sits outside
// retryStep: the transfer has already been broadcast by the time this runs,
// so a Timeout here must not trigger a second submitTransfer call — that
// would double-spend the transfer — it instead re-polls once for the same
// transaction, since it may have landed on chain just after the first
// deadline elapsed.
func (p *Processor) confirmTransfer(ctx context.Context, log zerolog.Logger, tx common.Hash) error {
	receipt, err := p.Chain.AwaitReceipt(ctx, tx, constants.RelayerTimeout*3)
	if err != nil {
		if !nomaderrors.Is(err, nomaderrors.Timeout) {
			return err
		}
		log.Warn().Msg("transfer receipt timed out, resyncing and rechecking before giving up")
		receipt, err = p.Chain.AwaitReceipt(ctx, tx, constants.RelayerTimeout*3)
		if err != nil {
			return err
		}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nomaderrors.New(nomaderrors.TransferReverted, "transfer receipt status failed")
	}
	return nil
}

// buildProof implements S7_BuildProof (§4.6).
func (p *Processor) buildProof(ctx context.Context, log zerolog.Logger, txHash common.Hash) (types.InclusionProof, int, int, error) {
	log.Debug().Str("state", string(S7BuildProof)).Msg("building inclusion proof")

	receipt, err := p.Chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		return types.InclusionProof{}, 0, 0, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "fetch transfer receipt")
	}
	receipts, err := p.Chain.FetchReceipts(ctx, receipt.BlockHash)
	if err != nil {
		return types.InclusionProof{}, 0, 0, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "fetch block receipts")
	}

	receiptIndex := int(receipt.TransactionIndex)
	logIndex := 0
	if len(receipt.Logs) > 0 {
		logIndex = int(receipt.Logs[0].Index)
	}

	proof, err := merkle.BuildInclusionProof(receipts, receiptIndex, logIndex)
	if err != nil {
		return types.InclusionProof{}, 0, 0, err
	}
	return proof, receiptIndex, logIndex, nil
}

// claim implements S8_Claim (§4.6): idempotent against AlreadyClaimed.
func (p *Processor) claim(ctx context.Context, log zerolog.Logger, sig types.Signal, keyA *bind.TransactOpts, proof types.InclusionProof, receiptIndex, logIndex int) (common.Hash, error) {
	log.Debug().Str("state", string(S8Claim)).Msg("claiming reward")

	data, err := chain.PackClaim(flattenProofNodes(proof.ProofNodes), proof.Path, big.NewInt(int64(receiptIndex)), big.NewInt(int64(logIndex)))
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := p.Chain.SendRaw(ctx, keyA, sig.EscrowContract, big.NewInt(0), data, 200_000)
	if err != nil {
		if isAlreadyClaimed(err) {
			log.Info().Msg("claim reverted at submission, treating as already claimed by another race winner")
			return common.Hash{}, nil
		}
		if nomaderrors.Is(err, nomaderrors.RpcTransport) || nomaderrors.Is(err, nomaderrors.Timeout) || nomaderrors.Is(err, nomaderrors.Funds) {
			return common.Hash{}, err
		}
		return common.Hash{}, nomaderrors.Wrap(nomaderrors.ClaimReverted, err, "submit claim")
	}
	receipt, err := p.Chain.AwaitReceipt(ctx, tx, constants.RelayerTimeout*3)
	if err != nil {
		return common.Hash{}, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		log.Info().Msg("claim transaction reverted, treating as already claimed by another race winner")
		return common.Hash{}, nil
	}
	return tx, nil
}

// isAlreadyClaimed reports whether a claim() send failure was a
// contract-level revert rather than a transport failure (§4.6's S8 row),
// using the same text-match isRevert does for bond(): the consumed escrow
// ABI (§6) exposes no revert-reason selector to decode, and a re-leased
// signal's claim can only legitimately revert because another worker's
// claim already won.
func isAlreadyClaimed(err error) bool {
	return isRevert(err)
}

// flattenProofNodes concatenates raw trie nodes; the real escrow ABI would
// encode them as bytes[], but the consumed ABI in §6 models proof as a
// single opaque bytes blob.
func flattenProofNodes(nodes [][]byte) []byte {
	var out []byte
	for _, n := range nodes {
		out = append(out, n...)
	}
	return out
}
