// SPDX-License-Identifier: Apache-2.0
//
// Package event defines the fixed-layout execve record shared by the capture
// agent and its userspace consumers, and the decoded form the rest of execmon
// works with.
//
// The layout mirrors struct exec_record in internal/watcher/ebpf/execmon.bpf.c:
//
//	timestamp u64 | uid u32 | gid u32 | pid u32 | ppid u32 |
//	comm [16]u8 | args [ArgCount][ArgSize]u8 | envs [EnvCount][EnvSize]u8
//
// Integers are host-endian. The record is not self-describing, so both sides
// must be built with the same constants.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// CommSize is the capacity of the kernel task name (TASK_COMM_LEN).
	CommSize = 16
	// ArgCount is the number of argv slots captured per execution.
	ArgCount = 8
	// ArgSize is the capacity of a single argv slot in bytes.
	ArgSize = 64
	// EnvCount is the number of envp slots captured per execution.
	EnvCount = 4
	// EnvSize is the capacity of a single envp slot in bytes.
	EnvSize = 64
)

// ErrFrameSize is returned by Decode when a frame does not have exactly
// RecordSize bytes.
var ErrFrameSize = errors.New("event: unexpected frame size")

// Record is the wire representation of one observed execution. Strings are
// valid up to the first NUL or the end of their buffer; a slot filled to
// capacity carries no terminator.
type Record struct {
	Timestamp uint64
	UID       uint32
	GID       uint32
	PID       uint32
	PPID      uint32
	Comm      [CommSize]byte
	Args      [ArgCount][ArgSize]byte
	Envs      [EnvCount][EnvSize]byte
}

// RecordSize is the size of every frame on the transport.
const RecordSize = int(unsafe.Sizeof(Record{})) // 808

const (
	offTimestamp = 0
	offUID       = 8
	offGID       = 12
	offPID       = 16
	offPPID      = 20
	offComm      = 24
	offArgs      = offComm + CommSize
	offEnvs      = offArgs + ArgCount*ArgSize
)

// MarshalTo writes r into b using the host byte order. b must hold at least
// RecordSize bytes.
func (r *Record) MarshalTo(b []byte) {
	_ = b[RecordSize-1]
	binary.NativeEndian.PutUint64(b[offTimestamp:], r.Timestamp)
	binary.NativeEndian.PutUint32(b[offUID:], r.UID)
	binary.NativeEndian.PutUint32(b[offGID:], r.GID)
	binary.NativeEndian.PutUint32(b[offPID:], r.PID)
	binary.NativeEndian.PutUint32(b[offPPID:], r.PPID)
	copy(b[offComm:offArgs], r.Comm[:])
	for i := range r.Args {
		off := offArgs + i*ArgSize
		copy(b[off:off+ArgSize], r.Args[i][:])
	}
	for i := range r.Envs {
		off := offEnvs + i*EnvSize
		copy(b[off:off+EnvSize], r.Envs[i][:])
	}
}

// MarshalBinary returns r as a freshly allocated frame.
func (r *Record) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordSize)
	r.MarshalTo(b)
	return b, nil
}

// UnmarshalRecord parses a frame. It fails unless len(b) == RecordSize.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	if len(b) != RecordSize {
		return r, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(b), RecordSize)
	}
	r.Timestamp = binary.NativeEndian.Uint64(b[offTimestamp:])
	r.UID = binary.NativeEndian.Uint32(b[offUID:])
	r.GID = binary.NativeEndian.Uint32(b[offGID:])
	r.PID = binary.NativeEndian.Uint32(b[offPID:])
	r.PPID = binary.NativeEndian.Uint32(b[offPPID:])
	copy(r.Comm[:], b[offComm:offArgs])
	for i := range r.Args {
		off := offArgs + i*ArgSize
		copy(r.Args[i][:], b[off:off+ArgSize])
	}
	for i := range r.Envs {
		off := offEnvs + i*EnvSize
		copy(r.Envs[i][:], b[off:off+EnvSize])
	}
	return r, nil
}

// Execution is the decoded, consumer-side form of a Record.
type Execution struct {
	// Timestamp is the producer clock in nanoseconds since boot. Zero when
	// the source does not report one (text backends).
	Timestamp uint64
	// Time is the wall-clock time of the execution, if known.
	Time time.Time

	PID  uint32
	PPID uint32
	UID  uint32
	GID  uint32

	Comm string
	// Args holds argv slots up to the last populated one. Slots that could
	// not be read are kept as "" so positions are preserved.
	Args []string
	Env  []string

	// Username is resolved lazily from UID. Empty until enriched.
	Username string
}

// CommandLine joins Args with single spaces.
func (e Execution) CommandLine() string {
	return strings.Join(e.Args, " ")
}

// Decode parses a raw transport frame into an Execution. String fields are
// converted lossily: invalid UTF-8 is replaced, never reported.
func Decode(b []byte) (Execution, error) {
	r, err := UnmarshalRecord(b)
	if err != nil {
		return Execution{}, err
	}
	return r.Execution(), nil
}

// Execution converts r into its decoded form.
func (r *Record) Execution() Execution {
	e := Execution{
		Timestamp: r.Timestamp,
		PID:       r.PID,
		PPID:      r.PPID,
		UID:       r.UID,
		GID:       r.GID,
		Comm:      slotString(r.Comm[:]),
	}

	var args [ArgCount]string
	for i := range r.Args {
		args[i] = slotString(r.Args[i][:])
	}
	e.Args = trimTrailingEmpty(args[:])

	var envs [EnvCount]string
	for i := range r.Envs {
		envs[i] = slotString(r.Envs[i][:])
	}
	e.Env = trimTrailingEmpty(envs[:])
	return e
}

// FromExecution builds the wire record for e, truncating every string to its
// slot capacity and dropping args or env entries beyond the slot count.
func FromExecution(e Execution) Record {
	r := Record{
		Timestamp: e.Timestamp,
		UID:       e.UID,
		GID:       e.GID,
		PID:       e.PID,
		PPID:      e.PPID,
	}
	copy(r.Comm[:], e.Comm)
	for i := 0; i < len(e.Args) && i < ArgCount; i++ {
		copy(r.Args[i][:], e.Args[i])
	}
	for i := 0; i < len(e.Env) && i < EnvCount; i++ {
		copy(r.Envs[i][:], e.Env[i])
	}
	return r
}

func slotString(b []byte) string {
	return strings.ToValidUTF8(unix.ByteSliceToString(b), "�")
}

func trimTrailingEmpty(s []string) []string {
	n := len(s)
	for n > 0 && s[n-1] == "" {
		n--
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	copy(out, s[:n])
	return out
}
