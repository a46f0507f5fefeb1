// Package supervisor implements the node supervisor (C9): it owns the key
// set, starts every component, runs the fixed-size dispatcher worker pool,
// and drives cooperative shutdown (§4.8).
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"nomad/pkg/chain"
	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/gossip"
	"nomad/pkg/pipeline"
	"nomad/pkg/pool"
	"nomad/pkg/types"
)

// Config bundles the knobs a supervisor needs at startup, sourced from
// pkg/config (§6).
type Config struct {
	WorkerCount       int
	VisibilityTimeout time.Duration
	Retention         time.Duration
	MinEth            *uint256.Int
}

// Supervisor owns the pool, the gossip node, the chain adapter, and the
// dispatcher loop. It never shares mutable state across these beyond the
// pool itself, which is already internally synchronized (§9: "no shared
// mutable graph").
type Supervisor struct {
	cfg    Config
	pool   *pool.Pool
	gossip *gossip.Node
	chain  *chain.Adapter
	proc   *pipeline.Processor

	keys      []*bind.TransactOpts // keys[0], keys[1] = A, B in write mode
	pausedKey map[common.Address]bool
	mu        sync.Mutex

	log zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, p *pool.Pool, g *gossip.Node, c *chain.Adapter, proc *pipeline.Processor, keys []*bind.TransactOpts, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		pool:      p,
		gossip:    g,
		chain:     c,
		proc:      proc,
		keys:      keys,
		pausedKey: make(map[common.Address]bool),
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// WriteMode reports whether at least two sender keys were configured,
// required to decouple bond/claim identity A from transfer identity B
// (§4.6, §6).
func (s *Supervisor) WriteMode() bool {
	return len(s.keys) >= 2
}

// Run starts the dispatcher workers and the lease-expiry ticker, blocking
// until ctx is cancelled or a hard shutdown deadline elapses (§4.8).
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.expiryLoop(ctx)

	if s.cfg.MinEth != nil && s.chain != nil && s.WriteMode() {
		s.wg.Add(1)
		go s.balanceWatchdog(ctx)
	}

	workerCount := s.cfg.WorkerCount
	if workerCount == 0 {
		workerCount = constants.DefaultWorkerCount
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}

	<-ctx.Done()
	s.awaitShutdown()
}

// Stop requests a cooperative shutdown (§4.8).
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) awaitShutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(constants.ShutdownDeadline):
		s.log.Warn().Msg("shutdown deadline exceeded, exiting with workers still in flight")
	}
}

func (s *Supervisor) expiryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(constants.LeaseExpiryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pool.ExpireLeases(); n > 0 {
				s.log.Debug().Int("count", n).Msg("expired stale leases")
			}
			s.pool.EvictDone()
		}
	}
}

// balanceWatchdog periodically checks each sender key's native balance
// against cfg.MinEth, pausing a key that has dropped below the floor and
// unpausing one that has recovered, independent of the per-signal Funds
// failures the worker loop already reacts to (§7, §12 supplement:
// "pauses the affected sender key ... until a balance check succeeds
// again").
func (s *Supervisor) balanceWatchdog(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(constants.BalanceCheckTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkBalances(ctx)
		}
	}
}

func (s *Supervisor) checkBalances(ctx context.Context) {
	for _, key := range s.keys {
		balance, err := s.chain.GetEthBalance(ctx, key.From)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key.From.Hex()).Msg("balance watchdog: failed to fetch balance")
			continue
		}
		if balance.Lt(s.cfg.MinEth) {
			if !s.isPaused(key.From) {
				s.pause(key.From)
			}
			continue
		}
		if s.isPaused(key.From) {
			s.log.Info().Str("key", key.From.Hex()).Msg("balance recovered, unpausing sender key")
			s.Unpause(key.From)
		}
	}
}

func (s *Supervisor) workerLoop(ctx context.Context, index int) {
	defer s.wg.Done()
	workerID := pool.NewWorkerID()
	log := s.log.With().Str("worker", workerID).Int("worker_index", index).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.WriteMode() {
			// Read-mode nodes gossip but never lease (§4.7).
			select {
			case <-ctx.Done():
				return
			case <-time.After(constants.LeaseExpiryTick):
			}
			continue
		}

		id, sig, ok := s.pool.Lease(workerID)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		keyA, keyB := s.keys[0], s.keys[1]
		if s.isPaused(keyA.From) || s.isPaused(keyB.From) {
			s.pool.Complete(id, workerID, types.Outcome{Success: false, Kind: string(nomaderrors.Funds)})
			continue
		}

		outcome := s.proc.Run(ctx, id, sig, pipeline.Keys{A: keyA, B: keyB})
		if outcome.Kind == string(nomaderrors.Funds) {
			s.pause(keyA.From)
			s.pause(keyB.From)
		}
		if err := s.pool.Complete(id, workerID, outcome); err != nil {
			log.Warn().Err(err).Str("signal_id", id.String()).Msg("failed to record pipeline outcome")
		}

		if !outcome.Success && sig.AcknowledgementURL == "" {
			continue
		}
		// Acknowledgement POST is best-effort and must never block eviction
		// (§12 supplement): fire-and-forget on a short-lived goroutine.
		if sig.AcknowledgementURL != "" {
			go acknowledge(sig.AcknowledgementURL, id.String(), outcome)
		}
	}
}

func (s *Supervisor) isPaused(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedKey[addr]
}

func (s *Supervisor) pause(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedKey[addr] = true
	s.log.Warn().Str("key", addr.Hex()).Msg("pausing sender key after Funds failure")
}

// Unpause clears a paused sender key once its balance has recovered
// (§7: "pauses the affected sender key ... until a balance check succeeds
// again").
func (s *Supervisor) Unpause(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedKey, addr)
}
