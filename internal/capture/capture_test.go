package capture_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execmon/execmon/internal/capture"
	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/transport"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

const (
	argvBase = 0x1000
	envpBase = 0x2000
	strBase  = 0x10000
)

// fakeMemory is a sparse address space that records which pointer slots were
// read and can be told to fault on chosen addresses.
type fakeMemory struct {
	words   map[uint64]uint64
	strs    map[uint64]string
	badPtr  map[uint64]bool
	badStr  map[uint64]bool
	ptrRead []uint64
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		words:  map[uint64]uint64{},
		strs:   map[uint64]string{},
		badPtr: map[uint64]bool{},
		badStr: map[uint64]bool{},
	}
}

// vector lays out a NULL-terminated pointer table at base.
func (m *fakeMemory) vector(base uint64, items ...string) {
	for i, s := range items {
		addr := strBase + base*16 + uint64(i)*0x100
		m.words[base+uint64(i)*capture.PointerSize] = addr
		m.strs[addr] = s
	}
	m.words[base+uint64(len(items))*capture.PointerSize] = 0
}

func (m *fakeMemory) ReadPointer(addr uint64) (uint64, error) {
	m.ptrRead = append(m.ptrRead, addr)
	if m.badPtr[addr] {
		return 0, capture.ErrFault
	}
	w, ok := m.words[addr]
	if !ok {
		return 0, capture.ErrFault
	}
	return w, nil
}

func (m *fakeMemory) ReadString(addr uint64, dst []byte) (int, error) {
	s, ok := m.strs[addr]
	if !ok || m.badStr[addr] {
		return 0, capture.ErrFault
	}
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
	return n, nil
}

type fakeTracepoint struct {
	task   capture.Task
	hdr    capture.Header
	hdrErr error
	mem    capture.UserMemory
}

func (f fakeTracepoint) Task() capture.Task              { return f.task }
func (f fakeTracepoint) Header() (capture.Header, error) { return f.hdr, f.hdrErr }
func (f fakeTracepoint) Memory() capture.UserMemory      { return f.mem }

func testTask() capture.Task {
	task := capture.Task{Timestamp: 42, PID: 3925, PPID: 341, UID: 1000, GID: 1000}
	copy(task.Comm[:], "bash")
	return task
}

func args(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("arg%d", i)
	}
	return out
}

// ---------------------------------------------------------------------------
// Extract
// ---------------------------------------------------------------------------

func TestExtract_FewerThanArgCount(t *testing.T) {
	for k := 0; k < event.ArgCount; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			mem := newFakeMemory()
			mem.vector(argvBase, args(k)...)

			var rec event.Record
			res := capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase}, mem)

			assert.Equal(t, k, res.Args)
			out := rec.Execution()
			assert.Equal(t, k, len(out.Args))
			for i := k; i < event.ArgCount; i++ {
				assert.Equal(t, [event.ArgSize]byte{}, rec.Args[i], "slot %d must be empty", i)
			}
		})
	}
}

func TestExtract_StopsAtArgCount(t *testing.T) {
	mem := newFakeMemory()
	mem.vector(argvBase, args(event.ArgCount+5)...)

	var rec event.Record
	res := capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase}, mem)

	assert.Equal(t, event.ArgCount, res.Args)
	assert.Equal(t, args(event.ArgCount), rec.Execution().Args)
	require.Len(t, mem.ptrRead, event.ArgCount)
	last := uint64(argvBase + (event.ArgCount-1)*capture.PointerSize)
	assert.Equal(t, last, mem.ptrRead[len(mem.ptrRead)-1], "must not read past the last slot pointer")
}

func TestExtract_Identity(t *testing.T) {
	mem := newFakeMemory()
	var rec event.Record
	capture.Extract(&rec, testTask(), capture.Header{}, mem)

	out := rec.Execution()
	assert.Equal(t, uint64(42), out.Timestamp)
	assert.Equal(t, uint32(3925), out.PID)
	assert.Equal(t, uint32(341), out.PPID)
	assert.Equal(t, uint32(1000), out.UID)
	assert.Equal(t, "bash", out.Comm)
	assert.Empty(t, mem.ptrRead, "NULL argv/envp must not be dereferenced")
}

func TestExtract_UnreadablePointerContinues(t *testing.T) {
	mem := newFakeMemory()
	mem.vector(argvBase, "ls", "-l", "/tmp")
	mem.badPtr[argvBase+1*capture.PointerSize] = true

	var rec event.Record
	res := capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase}, mem)

	assert.Equal(t, capture.FaultPointer, res.ArgFaults[1])
	assert.True(t, res.Degraded())
	assert.Equal(t, []string{"ls", "", "/tmp"}, rec.Execution().Args)
}

func TestExtract_UnreadableStringLeavesEmptySlot(t *testing.T) {
	mem := newFakeMemory()
	mem.vector(argvBase, "cat", "/etc/shadow")
	strAddr := mem.words[argvBase+capture.PointerSize]
	mem.badStr[strAddr] = true

	var rec event.Record
	res := capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase}, mem)

	assert.Equal(t, capture.FaultString, res.ArgFaults[1])
	assert.Equal(t, 2, res.Args)
	assert.Equal(t, []string{"cat"}, rec.Execution().Args)
}

func TestExtract_TruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("z", event.ArgSize*3)
	mem := newFakeMemory()
	mem.vector(argvBase, long)

	var rec event.Record
	res := capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase}, mem)

	assert.False(t, res.Degraded())
	assert.Equal(t, []string{long[:event.ArgSize-1]}, rec.Execution().Args)
	assert.Zero(t, rec.Args[0][event.ArgSize-1], "slot keeps its terminator")
}

func TestVectorMemory_StringCapMatchesKernel(t *testing.T) {
	arg := strings.Repeat("a", event.ArgSize)
	env := strings.Repeat("E", event.EnvSize+10)
	mem := capture.NewVectorMemory([]string{arg}, []string{env})

	var rec event.Record
	capture.Extract(&rec, testTask(), mem.Header(), mem)
	out := rec.Execution()

	require.Len(t, out.Args, 1)
	assert.Len(t, out.Args[0], event.ArgSize-1)
	assert.Zero(t, rec.Args[0][event.ArgSize-1])
	require.Len(t, out.Env, 1)
	assert.Len(t, out.Env[0], event.EnvSize-1)
	assert.Zero(t, rec.Envs[0][event.EnvSize-1])

	buf := make([]byte, 4)
	n, err := mem.ReadString(mustPointer(t, mem, mem.Header().Argv), buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{'a', 'a', 'a', 0}, buf)
}

func mustPointer(t *testing.T, mem capture.UserMemory, addr uint64) uint64 {
	t.Helper()
	p, err := mem.ReadPointer(addr)
	require.NoError(t, err)
	return p
}

func TestExtract_Environment(t *testing.T) {
	mem := newFakeMemory()
	mem.vector(argvBase, "env")
	mem.vector(envpBase, "A=1", "B=2", "C=3", "D=4", "E=5", "F=6")

	var rec event.Record
	res := capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase, Envp: envpBase}, mem)

	assert.Equal(t, event.EnvCount, res.Envs)
	assert.Equal(t, []string{"A=1", "B=2", "C=3", "D=4"}, rec.Execution().Env)
}

func TestExtract_ResetsRecord(t *testing.T) {
	mem := newFakeMemory()
	mem.vector(argvBase, "true")

	var rec event.Record
	copy(rec.Args[3][:], "stale")
	copy(rec.Envs[0][:], "stale")
	capture.Extract(&rec, testTask(), capture.Header{Argv: argvBase}, mem)

	out := rec.Execution()
	assert.Equal(t, []string{"true"}, out.Args)
	assert.Nil(t, out.Env)
}

// ---------------------------------------------------------------------------
// Probe
// ---------------------------------------------------------------------------

func TestProbe_EmitsFrame(t *testing.T) {
	ring, err := transport.NewRing(8192)
	require.NoError(t, err)
	probe := capture.NewProbe(ring)

	mem := capture.NewVectorMemory([]string{"/usr/sbin/netstat", "-na"}, []string{"LANG=C"})
	outcome, _ := probe.Handle(fakeTracepoint{task: testTask(), hdr: mem.Header(), mem: mem})
	require.Equal(t, capture.OutcomeEmitted, outcome)

	frame, ok := ring.Poll()
	require.True(t, ok)
	out, err := event.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(3925), out.PID)
	assert.Equal(t, "/usr/sbin/netstat -na", out.CommandLine())
	assert.Equal(t, []string{"LANG=C"}, out.Env)
	assert.Equal(t, uint64(1), probe.Stats().Emitted)
}

func TestProbe_HeaderFailureAborts(t *testing.T) {
	ring, _ := transport.NewRing(8192)
	probe := capture.NewProbe(ring)

	outcome, _ := probe.Handle(fakeTracepoint{task: testTask(), hdrErr: capture.ErrHeader, mem: newFakeMemory()})
	assert.Equal(t, capture.OutcomeAborted, outcome)
	_, ok := ring.Poll()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), ring.Stats().Reserved, "aborted events must not touch the ring")
	assert.Equal(t, uint64(1), probe.Stats().Aborted)
}

func TestProbe_UndersizedRingIsOversizeNotDropped(t *testing.T) {
	ring, err := transport.NewRing(1024)
	require.NoError(t, err)
	require.Less(t, ring.MaxRecord(), event.RecordSize)
	probe := capture.NewProbe(ring)
	mem := capture.NewVectorMemory([]string{"id"}, nil)
	tp := fakeTracepoint{task: testTask(), hdr: mem.Header(), mem: mem}

	for i := 0; i < 3; i++ {
		o, _ := probe.Handle(tp)
		assert.Equal(t, capture.OutcomeOversize, o)
	}
	st := probe.Stats()
	assert.Equal(t, uint64(3), st.Oversize)
	assert.Zero(t, st.Dropped, "an empty ring is not backpressure")
	assert.Zero(t, st.Emitted)
	assert.Zero(t, ring.Stats().Reserved)
	assert.Equal(t, "oversize", capture.OutcomeOversize.String())
}

func TestProbe_FullRingDrops(t *testing.T) {
	ring, _ := transport.NewRing(2048) // room for two 816-byte records
	probe := capture.NewProbe(ring)
	mem := capture.NewVectorMemory([]string{"sleep", "1"}, nil)
	tp := fakeTracepoint{task: testTask(), hdr: mem.Header(), mem: mem}

	var outcomes []capture.Outcome
	for i := 0; i < 4; i++ {
		o, _ := probe.Handle(tp)
		outcomes = append(outcomes, o)
	}
	assert.Equal(t, capture.OutcomeEmitted, outcomes[0])
	assert.Contains(t, outcomes, capture.OutcomeDropped)

	for {
		if _, ok := ring.Poll(); !ok {
			break
		}
	}
	o, _ := probe.Handle(tp)
	assert.Equal(t, capture.OutcomeEmitted, o, "draining the ring must make room again")
}

func TestVectorMemory_Layout(t *testing.T) {
	mem := capture.NewVectorMemory([]string{"a", "bb"}, nil)
	hdr := mem.Header()

	p0, err := mem.ReadPointer(hdr.Argv)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := mem.ReadString(p0, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "a", string(buf[:n]))

	null, err := mem.ReadPointer(hdr.Argv + 2*capture.PointerSize)
	require.NoError(t, err)
	assert.Zero(t, null)

	envNull, err := mem.ReadPointer(hdr.Envp)
	require.NoError(t, err)
	assert.Zero(t, envNull)

	_, err = mem.ReadPointer(hdr.Argv + 3)
	assert.ErrorIs(t, err, capture.ErrFault)
	_, err = mem.ReadString(0xdead, buf)
	assert.ErrorIs(t, err, capture.ErrFault)
}
