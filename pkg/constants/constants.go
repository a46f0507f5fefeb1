// Package constants collects the tunable parameters of a Nomad node. Most have a
// policy-defined default that a config file or flag can override; see pkg/config.
package constants

import "time"

const (
	// MaxPuzzleSize is the largest VM program a signal may carry.
	MaxPuzzleSize = 64 * 1024

	// DefaultCycleBudget is the per-puzzle instruction budget (§4.1).
	DefaultCycleBudget = 1 << 20

	// VMMemorySize is the size of the puzzle VM's byte-addressable address space (§4.1).
	VMMemorySize = 1 << 30

	// VMPageSize is the granularity of the VM's sparse memory map.
	VMPageSize = 4096

	// NumRegisters is the width of the puzzle VM's register file.
	NumRegisters = 8
)

const (
	// DefaultVisibilityTimeout bounds how long a worker may hold a lease before it
	// reverts to Free (§4.4).
	DefaultVisibilityTimeout = 2 * time.Minute

	// DefaultRetention is how long a Done entry is kept for dedup after completion (§4.4).
	DefaultRetention = 10 * time.Minute

	// DefaultWorkerCount is the fixed dispatcher pool size (§4.8).
	DefaultWorkerCount = 4

	// LeaseExpiryTick is the interval at which expired leases are reclaimed (§4.8).
	LeaseExpiryTick = 5 * time.Second

	// ShutdownDeadline bounds graceful shutdown (§4.8).
	ShutdownDeadline = 30 * time.Second
)

const (
	// GossipDedupLRUSize is the minimum size of the gossip dedup cache (§4.5).
	GossipDedupLRUSize = 10_000

	// MaxHopCount bounds gossip propagation (§4.5).
	MaxHopCount = 16

	// PeerSendQueueSize bounds the per-peer outbound gossip queue (§4.5).
	PeerSendQueueSize = 256

	// KeepAliveInterval is a keep-alive period for gossip sessions. No code
	// reads it: the gossip package sends no keep-alive messages.
	KeepAliveInterval = 15 * time.Second
)

const (
	// RelayerMaxAttempts bounds retries of fetch_k1 on Unavailable (§4.3).
	RelayerMaxAttempts = 3

	// RelayerTimeout bounds a single relayer HTTP round trip.
	RelayerTimeout = 10 * time.Second
)

const (
	// StepRetryAttempts bounds the step-local jittered retry loop a
	// pipeline step runs while its error kind is Retryable (§7).
	StepRetryAttempts = 3
)

const (
	// AwaitReceiptPollInterval is the initial poll period for await_receipt (§4.2).
	AwaitReceiptPollInterval = 1 * time.Second

	// AwaitReceiptMaxInterval caps the exponential backoff of await_receipt.
	AwaitReceiptMaxInterval = 30 * time.Second

	// FaucetMintTimeout bounds how long the faucet subcommand waits for a
	// single mint() transaction to be mined (§6).
	FaucetMintTimeout = 60 * time.Second
)

const (
	// BalanceCheckTick is the interval at which the supervisor's balance
	// watchdog checks every sender key against eth.min_eth, pausing keys
	// below it and unpausing keys that have recovered. The watchdog runs only
	// in write mode with eth.min_eth set (§7, §12 supplement).
	BalanceCheckTick = 30 * time.Second
)
