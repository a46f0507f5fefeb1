// Package pool implements the signal pool (C5): the process-local store of
// signals a node has accepted, along with the exclusive leases workers hold
// while processing them (§4.4).
package pool

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/types"
)

// entry is one signal's lifecycle record.
type entry struct {
	Signal     types.Signal
	State      types.LeaseState
	Lease      types.Lease
	Outcome    types.Outcome
	InsertedAt time.Time
	DoneAt     time.Time
}

// Pool holds every signal a node currently knows about, keyed by content
// hash, with a mutex guarding all access — the same CRUD-map-plus-RWMutex
// shape as a chain mempool, specialized to a single entry type instead of
// one map per extrinsic kind because a signal has exactly one lifecycle.
type Pool struct {
	mu      sync.RWMutex
	entries map[types.ID]*entry

	visibilityTimeout time.Duration
	retention         time.Duration
}

// New constructs an empty pool with the given lease visibility timeout and
// post-completion retention window (§4.4).
func New(visibilityTimeout, retention time.Duration) *Pool {
	return &Pool{
		entries:           make(map[types.ID]*entry),
		visibilityTimeout: visibilityTimeout,
		retention:         retention,
	}
}

// Insert adds a new signal in the Free state. It returns false if a signal
// with the same id is already present (dedup at the pool boundary, §4.3,
// §4.4).
func (p *Pool) Insert(id types.ID, sig types.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; exists {
		return false
	}
	p.entries[id] = &entry{
		Signal:     sig,
		State:      types.Free,
		InsertedAt: time.Now(),
	}
	return true
}

// Lease picks one Free signal at random, marks it Leased to workerID with a
// deadline visibilityTimeout from now, and returns it. Random rather than
// FIFO selection is deliberate: it spreads contention across workers racing
// the same relayer window instead of serializing them onto one signal (§4.4,
// invariant 1 of §8).
func (p *Pool) Lease(workerID string) (types.ID, types.Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var free []types.ID
	for id, e := range p.entries {
		if e.State == types.Free {
			free = append(free, id)
		}
	}
	if len(free) == 0 {
		return types.ID{}, types.Signal{}, false
	}

	id := free[rand.Intn(len(free))]
	e := p.entries[id]
	e.State = types.Leased
	e.Lease = types.Lease{WorkerID: workerID, Deadline: time.Now().Add(p.visibilityTimeout)}
	return id, e.Signal, true
}

// Complete marks a leased signal Done, recording its outcome. It fails if
// the signal is not currently leased to workerID — a stale worker whose
// lease already expired must not retroactively finalize a signal another
// worker has since picked up (§4.4, §4.6).
func (p *Pool) Complete(id types.ID, workerID string, outcome types.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return nomaderrors.Newf(nomaderrors.Internal, "pool: unknown signal %s", id)
	}
	if e.State != types.Leased || e.Lease.WorkerID != workerID {
		return nomaderrors.Newf(nomaderrors.LostRace, "pool: signal %s not leased to %s", id, workerID)
	}
	e.State = types.Done
	e.Outcome = outcome
	e.DoneAt = time.Now()
	return nil
}

// ExpireLeases returns every Leased signal whose deadline has passed to
// Free, making it eligible for another worker's Lease call (§4.4).
func (p *Pool) ExpireLeases() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range p.entries {
		if e.State == types.Leased && now.After(e.Lease.Deadline) {
			e.State = types.Free
			e.Lease = types.Lease{}
			n++
		}
	}
	return n
}

// EvictDone removes Done signals older than the retention window, so the
// pool does not grow without bound on a long-running node (§4.4).
func (p *Pool) EvictDone() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.retention)
	n := 0
	for id, e := range p.entries {
		if e.State == types.Done && e.DoneAt.Before(cutoff) {
			delete(p.entries, id)
			n++
		}
	}
	return n
}

// Get returns the current record for id, if present.
func (p *Pool) Get(id types.ID) (types.Signal, types.LeaseState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[id]
	if !ok {
		return types.Signal{}, 0, false
	}
	return e.Signal, e.State, true
}

// Clear removes every entry.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[types.ID]*entry)
}

// Stats summarizes pool occupancy for structured logging and diagnostics.
type Stats struct {
	Free   int
	Leased int
	Done   int
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var s Stats
	for _, e := range p.entries {
		switch e.State {
		case types.Free:
			s.Free++
		case types.Leased:
			s.Leased++
		case types.Done:
			s.Done++
		}
	}
	return s
}

// NewWorkerID generates a random worker identity for use as a Lease's
// WorkerID (§4.4).
func NewWorkerID() string {
	return uuid.NewString()
}
