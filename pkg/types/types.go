// Package types holds the shared data model of a Mirage signal and its
// on-chain lifecycle (§3).
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Signal is the gossip unit: an obfuscated request to execute a hidden on-chain
// token transfer in exchange for a reward (§3).
type Signal struct {
	EscrowContract     common.Address `cbor:"1,keyasint"`
	TokenContract      common.Address `cbor:"2,keyasint"`
	Recipient          common.Address `cbor:"3,keyasint"`
	TransferAmount     *uint256.Int   `cbor:"4,keyasint"`
	RewardAmount       *uint256.Int   `cbor:"5,keyasint"`
	AcknowledgementURL string         `cbor:"6,keyasint"`
	Puzzle             []byte         `cbor:"7,keyasint"`
	Ciphertext         []byte         `cbor:"8,keyasint"`
}

// ID is the 32-byte content hash used as pool key and gossip dedup key (§3).
// It is never part of the canonical encoding of the signal itself.
type ID [32]byte

func (id ID) String() string {
	return common.Bytes2Hex(id[:])
}

// LeaseState is the lifecycle state of a PoolEntry (§3).
type LeaseState int

const (
	Free LeaseState = iota
	Leased
	Done
)

func (s LeaseState) String() string {
	switch s {
	case Free:
		return "Free"
	case Leased:
		return "Leased"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Lease describes a worker's exclusive, time-limited claim on one pool entry (§3, §4.4).
type Lease struct {
	WorkerID string
	Deadline time.Time
}

// Outcome records how a signal's processing ended, for acknowledgement and
// structured logging (§7).
type Outcome struct {
	Success bool
	Kind    string // empty on success; otherwise one of the §7 error kinds
	TxHash  *common.Hash
}

// GossipEnvelope is the wire unit exchanged between peers (§4.5, §6).
type GossipEnvelope struct {
	Signal     Signal `cbor:"1,keyasint"`
	OriginPeer string `cbor:"2,keyasint"`
	HopCount   int    `cbor:"3,keyasint"`
}

// InclusionProof is a Merkle-Patricia proof that a specific log lies under a
// block's receiptsRoot (§3, §4.2).
type InclusionProof struct {
	ReceiptsRoot common.Hash
	ReceiptIndex int
	LogIndex     int
	ProofNodes   [][]byte // RLP-encoded trie nodes, in ascending order of their keccak256 hash
	Path         []byte   // trie key of the proven receipt: its RLP-encoded index
}
