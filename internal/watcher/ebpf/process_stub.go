// SPDX-License-Identifier: Apache-2.0
//
// process_stub.go: non-Linux stub for the ebpf package.
//
// On non-Linux platforms every exported symbol is available but NewLoader
// always returns ErrNotSupported. This allows callers to import the package
// unconditionally and branch on errors rather than using build tags.

//go:build !linux

package ebpf

import (
	"context"
	"errors"

	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/watcher"
)

// Backend is the name the loader reports.
const Backend = "ebpf"

// DefaultObjectPath is where `make install` puts the compiled probe.
const DefaultObjectPath = "/usr/lib/execmon/execmon.bpf.o"

// ErrNotSupported is returned on non-Linux platforms. On Linux it is returned
// when the kernel is older than 5.8.
var ErrNotSupported = errors.New("ebpf: eBPF execve tracing is only supported on Linux ≥ 5.8")

// KernelStats are the counters kept by the probe itself.
type KernelStats struct {
	Dropped uint64
	Aborted uint64
}

// Loader is a no-op stub on non-Linux platforms.
type Loader struct{}

// NewLoader always returns ErrNotSupported on non-Linux platforms.
func NewLoader(_ string, _ int, _ watcher.Options) (*Loader, error) {
	return nil, ErrNotSupported
}

// Name returns "ebpf".
func (l *Loader) Name() string { return Backend }

// Start always returns ErrNotSupported on non-Linux platforms.
func (l *Loader) Start(_ context.Context) error {
	return ErrNotSupported
}

// Events returns a nil channel on non-Linux platforms.
func (l *Loader) Events() <-chan event.Execution {
	return nil
}

// KernelStats returns zero values on non-Linux platforms.
func (l *Loader) KernelStats() (KernelStats, error) { return KernelStats{}, nil }

// Stop is a no-op on non-Linux platforms.
func (l *Loader) Stop() {}
