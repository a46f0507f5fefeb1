package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nomad/pkg/types"
)

func sampleID(b byte) types.ID {
	var id types.ID
	id[0] = b
	return id
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	p := New(time.Minute, time.Minute)
	id := sampleID(1)

	require.True(t, p.Insert(id, types.Signal{}))
	require.False(t, p.Insert(id, types.Signal{}))
}

// TestLeaseIsExclusive covers invariant 1 of §8: a Free signal leased to one
// worker cannot be leased to a second worker before its deadline.
func TestLeaseIsExclusive(t *testing.T) {
	p := New(time.Minute, time.Minute)
	id := sampleID(1)
	p.Insert(id, types.Signal{})

	gotID, _, ok := p.Lease("worker-a")
	require.True(t, ok)
	require.Equal(t, id, gotID)

	_, _, ok = p.Lease("worker-b")
	require.False(t, ok, "no other Free signal should be available")
}

func TestExpireLeasesReturnsSignalToFree(t *testing.T) {
	p := New(-time.Second, time.Minute) // already-expired visibility timeout
	id := sampleID(1)
	p.Insert(id, types.Signal{})

	_, _, ok := p.Lease("worker-a")
	require.True(t, ok)

	n := p.ExpireLeases()
	require.Equal(t, 1, n)

	_, state, _ := p.Get(id)
	require.Equal(t, types.Free, state)
}

func TestCompleteFailsForWrongWorker(t *testing.T) {
	p := New(time.Minute, time.Minute)
	id := sampleID(1)
	p.Insert(id, types.Signal{})
	p.Lease("worker-a")

	err := p.Complete(id, "worker-b", types.Outcome{Success: true})
	require.Error(t, err)
}

func TestCompleteThenEvictDone(t *testing.T) {
	p := New(time.Minute, -time.Second) // already-expired retention
	id := sampleID(1)
	p.Insert(id, types.Signal{})
	p.Lease("worker-a")

	require.NoError(t, p.Complete(id, "worker-a", types.Outcome{Success: true}))

	n := p.EvictDone()
	require.Equal(t, 1, n)

	_, _, ok := p.Get(id)
	require.False(t, ok)
}

func TestStatsCountsByState(t *testing.T) {
	p := New(time.Minute, time.Minute)
	p.Insert(sampleID(1), types.Signal{})
	p.Insert(sampleID(2), types.Signal{})
	p.Lease("worker-a")

	s := p.Stats()
	require.Equal(t, 1, s.Free)
	require.Equal(t, 1, s.Leased)
	require.Equal(t, 0, s.Done)
}
