package transport_test

import (
	"context"
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execmon/execmon/internal/transport"
)

func newRing(t *testing.T, size int) *transport.Ring {
	t.Helper()
	r, err := transport.NewRing(size)
	require.NoError(t, err)
	return r
}

func put(t *testing.T, r *transport.Ring, payload []byte) {
	t.Helper()
	res, err := r.Reserve(len(payload))
	require.NoError(t, err)
	copy(res.Bytes(), payload)
	res.Submit()
}

func TestNewRing_Size(t *testing.T) {
	for _, size := range []int{0, 512, 1000, 3000} {
		_, err := transport.NewRing(size)
		assert.Error(t, err, "size=%d", size)
	}
	r := newRing(t, 4096)
	assert.Equal(t, 4096, r.Size())
	assert.Equal(t, 2040, r.MaxRecord())
}

func TestSizeFor(t *testing.T) {
	assert.Equal(t, transport.MinSize, transport.SizeFor(1))
	assert.Equal(t, 1024, transport.SizeFor(504))
	assert.Equal(t, 2048, transport.SizeFor(505))
	assert.Equal(t, 2048, transport.SizeFor(808))

	for _, rec := range []int{1, 504, 808, 3000} {
		r := newRing(t, transport.SizeFor(rec))
		assert.GreaterOrEqual(t, r.MaxRecord(), rec, "record=%d", rec)
	}
}

func TestRing_PollEmpty(t *testing.T) {
	r := newRing(t, 1024)
	b, ok := r.Poll()
	assert.False(t, ok)
	assert.Nil(t, b)
}

func TestRing_PreservesOrder(t *testing.T) {
	r := newRing(t, 1024)
	for i := byte(1); i <= 5; i++ {
		put(t, r, []byte{i, i, i})
	}
	for i := byte(1); i <= 5; i++ {
		b, ok := r.Poll()
		require.True(t, ok)
		assert.Equal(t, []byte{i, i, i}, b)
	}
	_, ok := r.Poll()
	assert.False(t, ok)
}

func TestRing_TooLarge(t *testing.T) {
	r := newRing(t, 1024)
	_, err := r.Reserve(r.MaxRecord() + 1)
	assert.ErrorIs(t, err, transport.ErrTooLarge)
	_, err = r.Reserve(0)
	assert.ErrorIs(t, err, transport.ErrTooLarge)
}

// TestRing_BackpressureRecovers fills the ring, checks that further
// reservations fail immediately, drains it and checks that reservation
// succeeds again across the wrap point.
func TestRing_BackpressureRecovers(t *testing.T) {
	r := newRing(t, 1024)
	payload := make([]byte, 100) // 112 bytes with header and padding

	for i := 0; i < 9; i++ {
		put(t, r, payload)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Reserve(len(payload))
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrNoSpace)
	case <-time.After(time.Second):
		t.Fatal("Reserve blocked on a full ring")
	}
	assert.Equal(t, uint64(1), r.Stats().Dropped)

	for i := 0; i < 9; i++ {
		_, ok := r.Poll()
		require.True(t, ok)
	}
	assert.Zero(t, r.Stats().Pending)

	// The next record does not fit before the end, so it is placed at the
	// start behind a pad record.
	put(t, r, []byte("after-wrap"))
	b, ok := r.Poll()
	require.True(t, ok)
	assert.Equal(t, []byte("after-wrap"), b)
}

func TestRing_BusyHeadBlocksLaterRecords(t *testing.T) {
	r := newRing(t, 1024)

	first, err := r.Reserve(4)
	require.NoError(t, err)
	put(t, r, []byte("second"))

	_, ok := r.Poll()
	assert.False(t, ok, "a published record must not overtake an unpublished one")

	copy(first.Bytes(), "1st!")
	first.Submit()

	b, ok := r.Poll()
	require.True(t, ok)
	assert.Equal(t, []byte("1st!"), b)
	b, ok = r.Poll()
	require.True(t, ok)
	assert.Equal(t, []byte("second"), b)
}

func TestRing_Discard(t *testing.T) {
	r := newRing(t, 1024)

	res, err := r.Reserve(16)
	require.NoError(t, err)
	res.Discard()
	put(t, r, []byte("kept"))

	b, ok := r.Poll()
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), b)

	st := r.Stats()
	assert.Equal(t, uint64(2), st.Reserved)
	assert.Equal(t, uint64(1), st.Submitted)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestRing_ReadHonoursContext(t *testing.T) {
	r := newRing(t, 1024)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Read(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRing_ReadWakesOnSubmit(t *testing.T) {
	r := newRing(t, 1024)
	got := make(chan []byte, 1)
	go func() {
		b, err := r.Read(context.Background())
		if err == nil {
			got <- b
		}
	}()

	time.Sleep(10 * time.Millisecond)
	put(t, r, []byte("wake"))

	select {
	case b := <-got:
		assert.Equal(t, []byte("wake"), b)
	case <-time.After(time.Second):
		t.Fatal("Read did not wake after Submit")
	}
}

// TestRing_ConcurrentProducers checks exactly-once, intact delivery with
// several producers racing on Reserve and one consumer draining.
func TestRing_ConcurrentProducers(t *testing.T) {
	const (
		producers = 4
		perProd   = 2000
	)
	r := newRing(t, 4096)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for seq := uint32(0); seq < perProd; {
				res, err := r.Reserve(8)
				if errors.Is(err, transport.ErrNoSpace) {
					runtime.Gosched()
					continue
				}
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				binary.LittleEndian.PutUint32(res.Bytes()[0:], id)
				binary.LittleEndian.PutUint32(res.Bytes()[4:], seq)
				res.Submit()
				seq++
			}
		}(uint32(p))
	}

	next := make([]uint32, producers)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for n := 0; n < producers*perProd; n++ {
		b, err := r.Read(ctx)
		require.NoError(t, err)
		require.Len(t, b, 8)
		id := binary.LittleEndian.Uint32(b[0:])
		seq := binary.LittleEndian.Uint32(b[4:])
		require.Less(t, id, uint32(producers))
		require.Equal(t, next[id], seq, "producer %d out of order", id)
		next[id]++
	}
	wg.Wait()

	_, ok := r.Poll()
	assert.False(t, ok)
	for id, n := range next {
		assert.Equal(t, uint32(perProd), n, "producer %d", id)
	}
}
