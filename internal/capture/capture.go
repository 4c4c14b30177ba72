// SPDX-License-Identifier: Apache-2.0
//
// Package capture is the execve extraction algorithm run at syscall entry,
// expressed as a total function over fixed-size inputs and outputs. The
// kernel program in internal/watcher/ebpf/execmon.bpf.c implements the same
// steps; this package is what the userspace capture source runs and what the
// tests pin down.
//
// Rules the algorithm keeps:
//   - identity comes from trusted task state and cannot fail;
//   - argv and envp are walked at most ArgCount / EnvCount slots, stopping at
//     the first NULL pointer;
//   - every user-memory access goes through UserMemory, which reports failure
//     instead of faulting;
//   - an unreadable pointer or string leaves that slot empty and extraction
//     continues with the next index;
//   - strings are cut to ArgSize-1 / EnvSize-1 bytes plus a NUL, the same
//     cap the kernel helper applies;
//   - no allocation: the caller provides the record to fill.
package capture

import (
	"errors"

	"github.com/execmon/execmon/internal/event"
)

// PointerSize is the width of a user-space pointer in the traced process.
const PointerSize = 8

// ErrFault is the generic failure returned by UserMemory implementations for
// an unreadable address.
var ErrFault = errors.New("capture: bad address")

// UserMemory is a bounds-checked view of the traced process's address space.
type UserMemory interface {
	// ReadPointer reads one pointer-sized word at addr.
	ReadPointer(addr uint64) (uint64, error)
	// ReadString copies the NUL-terminated string at addr into dst and always
	// terminates it, like bpf_probe_read_user_str: at most len(dst)-1 string
	// bytes are copied. It returns the number of string bytes copied,
	// excluding the terminator.
	ReadString(addr uint64, dst []byte) (int, error)
}

// Task is the trusted identity of the calling task.
type Task struct {
	Timestamp uint64 // ns since boot
	PID       uint32 // tgid
	PPID      uint32 // tgid of real_parent
	UID       uint32
	GID       uint32
	Comm      [event.CommSize]byte
}

// Header holds the syscall arguments read from the tracepoint context.
type Header struct {
	Argv uint64
	Envp uint64
}

// Fault classifies what went wrong with a single slot.
type Fault uint8

const (
	FaultNone    Fault = iota
	FaultPointer       // the argv/envp entry itself was unreadable
	FaultString        // the pointer was valid but the string was not
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultPointer:
		return "pointer"
	case FaultString:
		return "string"
	default:
		return "unknown"
	}
}

// Result reports per-slot outcomes of one extraction.
type Result struct {
	// Args and Envs count the slots examined before a NULL pointer or the
	// slot limit ended the walk.
	Args int
	Envs int

	ArgFaults [event.ArgCount]Fault
	EnvFaults [event.EnvCount]Fault
}

// Degraded reports whether any slot could not be read.
func (r Result) Degraded() bool {
	for _, f := range r.ArgFaults {
		if f != FaultNone {
			return true
		}
	}
	for _, f := range r.EnvFaults {
		if f != FaultNone {
			return true
		}
	}
	return false
}

// Extract fills rec from task and the argv/envp vectors named by hdr. rec is
// reset first, so slots that are not populated are zero.
func Extract(rec *event.Record, task Task, hdr Header, mem UserMemory) Result {
	*rec = event.Record{
		Timestamp: task.Timestamp,
		UID:       task.UID,
		GID:       task.GID,
		PID:       task.PID,
		PPID:      task.PPID,
		Comm:      task.Comm,
	}

	var res Result
	if hdr.Argv != 0 {
		for i := 0; i < event.ArgCount; i++ {
			stop, fault := readSlot(mem, hdr.Argv, i, rec.Args[i][:])
			if stop {
				break
			}
			res.Args++
			res.ArgFaults[i] = fault
		}
	}
	if hdr.Envp != 0 {
		for i := 0; i < event.EnvCount; i++ {
			stop, fault := readSlot(mem, hdr.Envp, i, rec.Envs[i][:])
			if stop {
				break
			}
			res.Envs++
			res.EnvFaults[i] = fault
		}
	}
	return res
}

// readSlot reads vector entry i into dst. stop is true on a NULL entry.
func readSlot(mem UserMemory, base uint64, i int, dst []byte) (stop bool, fault Fault) {
	ptr, err := mem.ReadPointer(base + uint64(i)*PointerSize)
	if err != nil {
		return false, FaultPointer
	}
	if ptr == 0 {
		return true, FaultNone
	}
	if _, err := mem.ReadString(ptr, dst); err != nil {
		clear(dst)
		return false, FaultString
	}
	return false, FaultNone
}
