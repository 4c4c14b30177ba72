// Package store holds the live window of recent executions shown by the
// dashboard: a fixed-capacity, insertion-ordered buffer with FIFO eviction
// and a selection cursor.
//
// A Store is owned by a single goroutine (the dispatcher) and is not safe
// for concurrent use.
package store

import "github.com/execmon/execmon/internal/event"

// Capacity is the number of executions kept in the window.
const Capacity = 50

// Store is a circular buffer of the most recent executions, oldest first.
type Store struct {
	items [Capacity]event.Execution
	head  int // index of the oldest entry
	n     int

	cursor int // logical index; meaningful only when n > 0
	pushed uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Len returns the number of stored executions.
func (s *Store) Len() int { return s.n }

// Pushed returns the total number of Push calls over the store's lifetime.
func (s *Store) Pushed() uint64 { return s.pushed }

func (s *Store) slot(i int) int { return (s.head + i) % Capacity }

// Push appends e. When the store is full the oldest entry is evicted first;
// the return value reports whether that happened. The cursor keeps pointing
// at the same row unless that row was the one evicted.
func (s *Store) Push(e event.Execution) (evicted bool) {
	s.pushed++
	if s.n < Capacity {
		s.items[s.slot(s.n)] = e
		s.n++
		return false
	}

	s.items[s.head] = e
	s.head = (s.head + 1) % Capacity
	if s.cursor > 0 {
		s.cursor--
	}
	return true
}

// At returns the i-th execution, oldest first.
func (s *Store) At(i int) (event.Execution, bool) {
	if i < 0 || i >= s.n {
		return event.Execution{}, false
	}
	return s.items[s.slot(i)], true
}

// Snapshot copies the stored executions, oldest first.
func (s *Store) Snapshot() []event.Execution {
	out := make([]event.Execution, s.n)
	for i := range out {
		out[i] = s.items[s.slot(i)]
	}
	return out
}

// SetUsername records a resolved user name on the i-th execution.
func (s *Store) SetUsername(i int, name string) {
	if i < 0 || i >= s.n {
		return
	}
	s.items[s.slot(i)].Username = name
}

// Selected returns the cursor position. ok is false when the store is empty.
func (s *Store) Selected() (i int, ok bool) {
	if s.n == 0 {
		return 0, false
	}
	return s.cursor, true
}

// Select moves the cursor to i, clamped to [0, Len()). No-op when empty.
func (s *Store) Select(i int) {
	if s.n == 0 {
		return
	}
	s.cursor = min(max(i, 0), s.n-1)
}

// Next moves the cursor down one row, wrapping to the first row.
func (s *Store) Next() {
	if s.n == 0 {
		return
	}
	if s.cursor >= s.n-1 {
		s.cursor = 0
		return
	}
	s.cursor++
}

// Previous moves the cursor up one row, wrapping to the last row.
func (s *Store) Previous() {
	if s.n == 0 {
		return
	}
	if s.cursor == 0 {
		s.cursor = s.n - 1
		return
	}
	s.cursor--
}
