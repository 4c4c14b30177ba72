// SPDX-License-Identifier: Apache-2.0
//
// Package transport implements the bounded lock-free byte ring that carries
// capture frames from producers to the single userspace consumer.
//
// The layout follows the kernel BPF ring buffer:
//
//	struct hdr { u32 len; u32 reserved; }
//	bit 31 of len = BUSY    (reserved, not yet published)
//	bit 30 of len = DISCARD (consumer skips the record)
//	bits 29:0     = payload length in bytes
//
// Each record occupies sizeof(hdr) + roundUp(len, 8) bytes. A record that
// would straddle the end of the data area is preceded by a DISCARD pad
// record running to the end, so every reserved region is contiguous.
//
// Producers claim space with a CAS on the producer position and never block.
// The consumer zeroes what it consumed before releasing it, which lets it
// tell "claimed but header not yet written" (len == 0) from a live record.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	hdrSize    = 8
	busyBit    = 1 << 31
	discardBit = 1 << 30

	// MinSize is the smallest accepted ring size.
	MinSize = 1024
)

var (
	// ErrNoSpace is returned by Reserve when the ring cannot hold the record
	// until the consumer catches up.
	ErrNoSpace = errors.New("transport: no space")
	// ErrTooLarge is returned by Reserve for records that can never fit.
	ErrTooLarge = errors.New("transport: record too large")
)

// Stats is a point-in-time view of the ring counters.
type Stats struct {
	Reserved  uint64
	Submitted uint64
	Discarded uint64
	Dropped   uint64
	Pending   uint64 // bytes between consumer and producer
}

// Ring is a bounded byte ring. Any number of goroutines may Reserve
// concurrently; only one goroutine may Poll or Read.
type Ring struct {
	data []byte
	size uint64
	mask uint64

	producer atomic.Uint64
	consumer atomic.Uint64

	// wake carries at most one pending notification for the consumer.
	wake chan struct{}

	reserved  atomic.Uint64
	submitted atomic.Uint64
	discarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewRing allocates a ring of size bytes. size must be a power of two and at
// least MinSize.
func NewRing(size int) (*Ring, error) {
	if size < MinSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("transport: ring size %d must be a power of two >= %d", size, MinSize)
	}
	// Back the data area with uint64 words so every header is 8-byte aligned
	// for atomic access.
	words := make([]uint64, size/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &Ring{
		data: data,
		size: uint64(size),
		mask: uint64(size - 1),
		wake: make(chan struct{}, 1),
	}, nil
}

// Size returns the capacity of the data area in bytes.
func (r *Ring) Size() int { return int(r.size) }

// MaxRecord returns the largest payload Reserve accepts. Bounding records to
// half the ring guarantees an empty ring can always take one, whatever the
// wrap position.
func (r *Ring) MaxRecord() int { return int(r.size/2) - hdrSize }

// SizeFor returns the smallest valid ring size whose MaxRecord is at least
// record bytes.
func SizeFor(record int) int {
	size := MinSize
	for size/2-hdrSize < record {
		size <<= 1
	}
	return size
}

func (r *Ring) hdr(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

// Reservation is a claimed, unpublished region of the ring. Exactly one of
// Submit or Discard must be called on it.
type Reservation struct {
	ring *Ring
	off  uint64
	n    uint32
	buf  []byte
}

// Bytes returns the writable payload region.
func (res Reservation) Bytes() []byte { return res.buf }

// Submit publishes the record to the consumer.
func (res Reservation) Submit() {
	atomic.StoreUint32(res.ring.hdr(res.off), res.n)
	res.ring.submitted.Add(1)
	res.ring.notify()
}

// Discard releases the record without delivering it.
func (res Reservation) Discard() {
	atomic.StoreUint32(res.ring.hdr(res.off), res.n|discardBit)
	res.ring.discarded.Add(1)
	res.ring.notify()
}

// Reserve claims room for an n-byte record. It never blocks and never
// allocates; when the ring is full it returns ErrNoSpace immediately.
func (r *Ring) Reserve(n int) (Reservation, error) {
	if n <= 0 || n > r.MaxRecord() {
		return Reservation{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, n, r.MaxRecord())
	}
	need := uint64(hdrSize + alignUp(uint32(n), 8))

	for {
		prod := r.producer.Load()
		cons := r.consumer.Load()

		off := prod & r.mask
		total := need
		var pad uint64
		if off+need > r.size {
			pad = r.size - off
			total += pad
		}
		if prod+total-cons > r.size {
			r.dropped.Add(1)
			return Reservation{}, ErrNoSpace
		}
		if !r.producer.CompareAndSwap(prod, prod+total) {
			continue
		}

		if pad > 0 {
			atomic.StoreUint32(r.hdr(off), uint32(pad-hdrSize)|discardBit)
			off = 0
		}
		atomic.StoreUint32(r.hdr(off), uint32(n)|busyBit)
		r.reserved.Add(1)

		start := off + hdrSize
		return Reservation{
			ring: r,
			off:  off,
			n:    uint32(n),
			buf:  r.data[start : start+uint64(n) : start+uint64(n)],
		}, nil
	}
}

func (r *Ring) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Poll returns a copy of the next published record in reservation order. It
// returns false when the ring is empty or the record at the head is still
// being written.
func (r *Ring) Poll() ([]byte, bool) {
	for {
		cons := r.consumer.Load()
		if cons == r.producer.Load() {
			return nil, false
		}

		off := cons & r.mask
		h := atomic.LoadUint32(r.hdr(off))
		if h == 0 || h&busyBit != 0 {
			return nil, false
		}

		n := h &^ (busyBit | discardBit)
		advance := uint64(hdrSize + alignUp(n, 8))

		var out []byte
		if h&discardBit == 0 {
			out = make([]byte, n)
			copy(out, r.data[off+hdrSize:off+hdrSize+uint64(n)])
		}

		clear(r.data[off : off+advance])
		r.consumer.Store(cons + advance)

		if out != nil {
			return out, true
		}
	}
}

// Read blocks until a record is available or ctx is done.
func (r *Ring) Read(ctx context.Context) ([]byte, error) {
	for {
		if b, ok := r.Poll(); ok {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.wake:
		}
	}
}

// Stats returns the current counters.
func (r *Ring) Stats() Stats {
	cons := r.consumer.Load()
	return Stats{
		Reserved:  r.reserved.Load(),
		Submitted: r.submitted.Load(),
		Discarded: r.discarded.Load(),
		Dropped:   r.dropped.Load(),
		Pending:   r.producer.Load() - cons,
	}
}

// alignUp rounds n up to the nearest multiple of align (a power of two).
func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}
