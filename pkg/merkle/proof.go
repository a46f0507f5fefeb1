// Package merkle builds and verifies Merkle-Patricia inclusion proofs of a
// receipt's log under a block's receiptsRoot (§4.2, C3), the proof shape an
// escrow contract accepts from S8_Claim.
//
// The construction mirrors Ethereum's own receiptsRoot: consensus-encode
// every receipt, key it by its RLP-encoded index, insert into a trie, and
// read back root/proof from go-ethereum's trie package rather than the
// general-purpose merklizer the teacher uses for JAM state — a block's
// receiptsRoot must verify against the real chain's trie algorithm, not an
// arbitrary one.
package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"

	nomaderrors "nomad/pkg/errors"
	nomadtypes "nomad/pkg/types"
)

// buildTrie inserts every receipt's consensus encoding into a fresh trie,
// keyed the way Ethereum keys its receipts trie.
func buildTrie(receipts types.Receipts) (*trie.Trie, error) {
	tdb := trie.NewDatabase(rawdb.NewMemoryDatabase(), nil)
	tr := trie.NewEmpty(tdb)

	for i, r := range receipts {
		key, err := rlp.EncodeToBytes(uint(i))
		if err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "encode receipt index")
		}
		val, err := r.MarshalBinary()
		if err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "encode receipt")
		}
		if err := tr.Update(key, val); err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "insert receipt")
		}
	}
	return tr, nil
}

// ReceiptsRoot recomputes a block's receiptsRoot from its receipts, built
// with the same trie as BuildInclusionProof (§4.2).
func ReceiptsRoot(receipts types.Receipts) (common.Hash, error) {
	tr, err := buildTrie(receipts)
	if err != nil {
		return common.Hash{}, err
	}
	return tr.Hash(), nil
}

// BuildInclusionProof constructs the proof that the receipt at receiptIndex
// is committed under the trie root of receipts, for the log at logIndex
// within it (§4.2). The log index does not affect the Merkle path — it is
// carried through so the escrow contract can locate the right log inside
// the proven receipt.
func BuildInclusionProof(receipts types.Receipts, receiptIndex, logIndex int) (nomadtypes.InclusionProof, error) {
	if receiptIndex < 0 || receiptIndex >= len(receipts) {
		return nomadtypes.InclusionProof{}, nomaderrors.Newf(nomaderrors.ProofConstruction, "receipt index %d out of range", receiptIndex)
	}

	tr, err := buildTrie(receipts)
	if err != nil {
		return nomadtypes.InclusionProof{}, err
	}

	key, err := rlp.EncodeToBytes(uint(receiptIndex))
	if err != nil {
		return nomadtypes.InclusionProof{}, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "encode receipt index")
	}

	proofDB := memorydb.New()
	if err := tr.Prove(key, proofDB); err != nil {
		return nomadtypes.InclusionProof{}, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "build proof")
	}

	nodes, err := collectProofNodes(proofDB)
	if err != nil {
		return nomadtypes.InclusionProof{}, err
	}

	return nomadtypes.InclusionProof{
		ReceiptsRoot: tr.Hash(),
		ReceiptIndex: receiptIndex,
		LogIndex:     logIndex,
		ProofNodes:   nodes,
		Path:         key,
	}, nil
}

func collectProofNodes(proofDB *memorydb.Database) ([][]byte, error) {
	var nodes [][]byte
	it := proofDB.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		nodes = append(nodes, v)
	}
	if err := it.Error(); err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "iterate proof nodes")
	}
	return nodes, nil
}

// VerifyInclusionProof is the inverse of BuildInclusionProof: it reconstructs
// a key-value reader from proof.ProofNodes and checks it resolves
// proof.Path to a receipt under proof.ReceiptsRoot (§4.2: "verification is
// the inverse and MUST succeed for any well-formed block").
func VerifyInclusionProof(proof nomadtypes.InclusionProof) ([]byte, error) {
	proofDB := memorydb.New()
	for _, node := range proof.ProofNodes {
		if err := proofDB.Put(nodeHash(node), node); err != nil {
			return nil, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "load proof node")
		}
	}

	value, err := trie.VerifyProof(proof.ReceiptsRoot, proof.Path, proofDB)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.ProofConstruction, err, "verify proof")
	}
	return value, nil
}

// nodeHash mirrors how trie nodes are keyed in go-ethereum's trie database:
// by the keccak256 hash of their RLP encoding.
func nodeHash(node []byte) []byte {
	h := crypto.Keccak256(node)
	return h
}
