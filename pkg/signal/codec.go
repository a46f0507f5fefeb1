// Package signal implements the canonical encoding, content-hashing, and
// decryption of a Mirage signal (§3, §6, §8.2, §8.5 of SPEC_FULL.md).
package signal

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/types"
)

var canonicalEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("signal: building canonical cbor mode: %v", err))
	}
	return mode
}()

var wireDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("signal: building cbor decode mode: %v", err))
	}
	return mode
}()

// CanonicalEncoding returns the deterministic CBOR encoding of the signal's
// immutable fields, in the fixed order escrow_contract, token_contract,
// recipient, transfer_amount, reward_amount, acknowledgement_url, puzzle,
// ciphertext (§8.2). This is "signal_without_id" from §6.
func CanonicalEncoding(sig types.Signal) ([]byte, error) {
	return canonicalEncMode.Marshal(sig)
}

// ID computes the content hash that serves as the pool key and gossip dedup
// key: keccak256 over the canonical encoding (§3, §6).
func ID(sig types.Signal) (types.ID, error) {
	enc, err := CanonicalEncoding(sig)
	if err != nil {
		return types.ID{}, nomaderrors.Wrap(nomaderrors.InvalidSignal, err, "canonical encoding")
	}
	return types.ID(crypto.Keccak256Hash(enc)), nil
}

// Validate checks the invariants of §3: positive amounts and a
// puzzle within the size budget.
func Validate(sig types.Signal) error {
	if sig.TransferAmount == nil || sig.TransferAmount.IsZero() {
		return nomaderrors.New(nomaderrors.InvalidSignal, "transfer_amount must be > 0")
	}
	if sig.RewardAmount == nil || sig.RewardAmount.IsZero() {
		return nomaderrors.New(nomaderrors.InvalidSignal, "reward_amount must be > 0")
	}
	if len(sig.Puzzle) == 0 {
		return nomaderrors.New(nomaderrors.InvalidSignal, "puzzle must not be empty")
	}
	if len(sig.Puzzle) > maxPuzzleSize {
		return nomaderrors.Newf(nomaderrors.InvalidSignal, "puzzle exceeds %d bytes", maxPuzzleSize)
	}
	return nil
}

const maxPuzzleSize = 64 * 1024

// Encode produces the wire representation of a gossip envelope: CBOR bytes,
// length-prefixed by the caller (pkg/gossip owns framing) (§4.5, §6).
func Encode(env types.GossipEnvelope) ([]byte, error) {
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "encode gossip envelope")
	}
	return b, nil
}

// Decode parses a wire-format gossip envelope.
func Decode(data []byte) (types.GossipEnvelope, error) {
	var env types.GossipEnvelope
	if err := wireDecMode.Unmarshal(data, &env); err != nil {
		return types.GossipEnvelope{}, nomaderrors.Wrap(nomaderrors.InvalidSignal, err, "decode gossip envelope")
	}
	return env, nil
}
