package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/store"
)

func exec(pid uint32) event.Execution {
	return event.Execution{PID: pid, Comm: "sh"}
}

func pids(s *store.Store) []uint32 {
	var out []uint32
	for _, e := range s.Snapshot() {
		out = append(out, e.PID)
	}
	return out
}

func TestPush_NeverExceedsCapacity(t *testing.T) {
	s := store.New()
	for i := 1; i <= 3*store.Capacity; i++ {
		s.Push(exec(uint32(i)))
		require.LessOrEqual(t, s.Len(), store.Capacity)
	}
	assert.Equal(t, uint64(3*store.Capacity), s.Pushed())
}

// TestPush_FIFOEviction checks that the 51st push evicts the 1st entry and
// the remaining 50 keep their relative order.
func TestPush_FIFOEviction(t *testing.T) {
	s := store.New()
	for i := 1; i <= store.Capacity; i++ {
		assert.False(t, s.Push(exec(uint32(i))))
	}
	assert.True(t, s.Push(exec(51)))

	got := pids(s)
	require.Len(t, got, store.Capacity)
	assert.NotContains(t, got, uint32(1))
	for i, pid := range got {
		assert.Equal(t, uint32(i+2), pid)
	}

	first, ok := s.At(0)
	require.True(t, ok)
	assert.Equal(t, uint32(2), first.PID)
	last, ok := s.At(store.Capacity - 1)
	require.True(t, ok)
	assert.Equal(t, uint32(51), last.PID)
	_, ok = s.At(store.Capacity)
	assert.False(t, ok)
}

func TestCursor_EmptyIsNoop(t *testing.T) {
	s := store.New()
	s.Next()
	s.Previous()
	s.Select(3)
	_, ok := s.Selected()
	assert.False(t, ok)
}

func TestCursor_Wraps(t *testing.T) {
	s := store.New()
	for i := 1; i <= 3; i++ {
		s.Push(exec(uint32(i)))
	}

	i, ok := s.Selected()
	require.True(t, ok)
	assert.Equal(t, 0, i)

	s.Previous()
	i, _ = s.Selected()
	assert.Equal(t, 2, i, "previous from the first row wraps to the last")

	s.Next()
	i, _ = s.Selected()
	assert.Equal(t, 0, i, "next from the last row wraps to the first")

	s.Next()
	s.Next()
	i, _ = s.Selected()
	assert.Equal(t, 2, i)
}

func TestCursor_SelectClamps(t *testing.T) {
	s := store.New()
	for i := 1; i <= 5; i++ {
		s.Push(exec(uint32(i)))
	}
	s.Select(99)
	i, _ := s.Selected()
	assert.Equal(t, 4, i)
	s.Select(-3)
	i, _ = s.Selected()
	assert.Equal(t, 0, i)
}

func TestCursor_FollowsRowAcrossEviction(t *testing.T) {
	s := store.New()
	for i := 1; i <= store.Capacity; i++ {
		s.Push(exec(uint32(i)))
	}
	s.Select(10) // pid 11
	s.Push(exec(99))

	i, ok := s.Selected()
	require.True(t, ok)
	e, _ := s.At(i)
	assert.Equal(t, uint32(11), e.PID)

	s.Select(0) // oldest, about to be evicted
	s.Push(exec(100))
	i, _ = s.Selected()
	assert.Equal(t, 0, i, "cursor stays valid when its row is evicted")
}

func TestSetUsername(t *testing.T) {
	s := store.New()
	s.Push(exec(1))
	s.SetUsername(0, "root")
	s.SetUsername(5, "ignored")

	e, _ := s.At(0)
	assert.Equal(t, "root", e.Username)
}
