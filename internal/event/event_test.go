package event_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execmon/execmon/internal/event"
)

// TestRecordSize guards the wire layout shared with execmon.bpf.c:
// 8 + 4*4 + 16 + 8*64 + 4*64 = 808.
func TestRecordSize(t *testing.T) {
	assert.Equal(t, 808, event.RecordSize)
}

func TestDecode_RoundTrip(t *testing.T) {
	in := event.Execution{
		Timestamp: 123456789,
		PID:       3925,
		PPID:      341,
		UID:       1000,
		GID:       100,
		Comm:      "bash",
		Args:      []string{"/usr/sbin/netstat", "-na"},
		Env:       []string{"HOME=/home/dev", "TERM=xterm"},
	}

	rec := event.FromExecution(in)
	frame, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, frame, event.RecordSize)

	out, err := event.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "/usr/sbin/netstat -na", out.CommandLine())
}

func TestDecode_CapacityLengthStrings(t *testing.T) {
	comm := strings.Repeat("c", event.CommSize)
	arg := strings.Repeat("a", event.ArgSize)
	in := event.Execution{PID: 1, Comm: comm, Args: []string{arg}}

	rec := event.FromExecution(in)
	frame, _ := rec.MarshalBinary()
	out, err := event.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, comm, out.Comm, "a full slot has no terminator and must decode to capacity")
	assert.Equal(t, []string{arg}, out.Args)
}

func TestFromExecution_TruncatesDeterministically(t *testing.T) {
	in := event.Execution{
		PID:  7,
		Comm: "a-very-long-command-name",
		Args: []string{strings.Repeat("x", 200)},
		Env:  []string{"A=1", "B=2", "C=3", "D=4", "E=5"},
	}
	for i := 0; i < event.ArgCount+3; i++ {
		in.Args = append(in.Args, "arg")
	}

	r1 := event.FromExecution(in)
	r2 := event.FromExecution(in)
	f1, _ := r1.MarshalBinary()
	f2, _ := r2.MarshalBinary()
	require.True(t, bytes.Equal(f1, f2))

	out, err := event.Decode(f1)
	require.NoError(t, err)
	assert.Equal(t, "a-very-long-comm", out.Comm)
	assert.Len(t, out.Args, event.ArgCount)
	assert.Equal(t, strings.Repeat("x", event.ArgSize), out.Args[0])
	assert.Equal(t, []string{"A=1", "B=2", "C=3", "D=4"}, out.Env)
}

func TestDecode_FrameSize(t *testing.T) {
	for _, n := range []int{0, 1, event.RecordSize - 1, event.RecordSize + 1} {
		_, err := event.Decode(make([]byte, n))
		assert.ErrorIs(t, err, event.ErrFrameSize, "len=%d", n)
	}
}

func TestDecode_LossyStrings(t *testing.T) {
	var rec event.Record
	rec.PID = 1
	copy(rec.Comm[:], []byte{'o', 'k', 0xff, 0xfe})
	copy(rec.Args[0][:], []byte{0xc3}) // truncated two-byte sequence
	frame, _ := rec.MarshalBinary()

	out, err := event.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "ok�", out.Comm)
	assert.Equal(t, []string{"�"}, out.Args)
}

func TestDecode_KeepsInteriorEmptySlots(t *testing.T) {
	var rec event.Record
	rec.PID = 1
	copy(rec.Args[0][:], "ls")
	copy(rec.Args[2][:], "/tmp")
	frame, _ := rec.MarshalBinary()

	out, err := event.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "", "/tmp"}, out.Args)
	assert.Nil(t, out.Env)
}
