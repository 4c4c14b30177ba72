// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"errors"
	"sync/atomic"

	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/transport"
)

// ErrHeader is returned by Tracepoint.Header implementations when the
// syscall arguments cannot be read.
var ErrHeader = errors.New("capture: unreadable syscall header")

// Tracepoint is the context of one execve syscall entry.
type Tracepoint interface {
	Task() Task
	Header() (Header, error)
	Memory() UserMemory
}

// Outcome is what happened to one syscall entry.
type Outcome uint8

const (
	// OutcomeEmitted means a frame was published, possibly with empty slots.
	OutcomeEmitted Outcome = iota
	// OutcomeDropped means the transport had no room.
	OutcomeDropped
	// OutcomeAborted means the header was unreadable or the task invalid.
	OutcomeAborted
	// OutcomeOversize means the ring can never hold a record, even empty.
	OutcomeOversize
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmitted:
		return "emitted"
	case OutcomeDropped:
		return "dropped"
	case OutcomeAborted:
		return "aborted"
	case OutcomeOversize:
		return "oversize"
	default:
		return "unknown"
	}
}

// ProbeStats counts outcomes since the probe was created.
type ProbeStats struct {
	Emitted  uint64
	Degraded uint64 // emitted with at least one faulted slot
	Dropped  uint64
	Aborted  uint64
	Oversize uint64
}

// Probe runs Extract for each syscall entry and publishes the result on a
// ring. Handle is safe to call from many goroutines at once.
type Probe struct {
	ring *transport.Ring

	emitted  atomic.Uint64
	degraded atomic.Uint64
	dropped  atomic.Uint64
	aborted  atomic.Uint64
	oversize atomic.Uint64
}

// NewProbe returns a probe that publishes to ring.
func NewProbe(ring *transport.Ring) *Probe {
	return &Probe{ring: ring}
}

// Handle processes one syscall entry. It never blocks: a full ring drops the
// event, and there is no retry.
func (p *Probe) Handle(tp Tracepoint) (Outcome, Result) {
	task := tp.Task()
	if task.PID == 0 {
		p.aborted.Add(1)
		return OutcomeAborted, Result{}
	}
	hdr, err := tp.Header()
	if err != nil {
		p.aborted.Add(1)
		return OutcomeAborted, Result{}
	}

	slot, err := p.ring.Reserve(event.RecordSize)
	if errors.Is(err, transport.ErrTooLarge) {
		p.oversize.Add(1)
		return OutcomeOversize, Result{}
	}
	if err != nil {
		p.dropped.Add(1)
		return OutcomeDropped, Result{}
	}

	var rec event.Record
	res := Extract(&rec, task, hdr, tp.Memory())
	rec.MarshalTo(slot.Bytes())
	slot.Submit()

	p.emitted.Add(1)
	if res.Degraded() {
		p.degraded.Add(1)
	}
	return OutcomeEmitted, res
}

// Stats returns the outcome counters.
func (p *Probe) Stats() ProbeStats {
	return ProbeStats{
		Emitted:  p.emitted.Load(),
		Degraded: p.degraded.Load(),
		Dropped:  p.dropped.Load(),
		Aborted:  p.aborted.Load(),
		Oversize: p.oversize.Load(),
	}
}
