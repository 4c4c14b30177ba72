// Package watcher contains the userspace capture sources for execmon. Each
// source implements agent.Source: it is started once, delivers decoded
// executions on the channel returned by Events, and closes that channel when
// its upstream ends or Stop is called.
//
// Sources:
//
//   - ProcSource: polls the process table and runs every new process through
//     the capture probe and an in-process transport ring. Needs no privileges.
//   - ExecSnoop: runs a bpftrace (Linux) or dtrace (macOS) script and parses
//     its comma-separated line output.
//
// The kernel-probe source lives in the ebpf sub-package.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/metrics"
)

// defaultBufferSize is the capacity of the Events channel when Options.Buffer
// is not positive.
const defaultBufferSize = 1024

// ErrStopped is returned by Start after Stop has been called.
var ErrStopped = errors.New("watcher: source stopped")

// Options holds settings shared by every source.
type Options struct {
	// Buffer is the capacity of the Events channel.
	Buffer int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// feed is the lifecycle and delivery half shared by all sources. The
// goroutine started by run is the only sender on events and closes it when
// it returns.
type feed struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  chan event.Execution

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (f *feed) init(name string, opts Options) {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f.name = name
	f.logger = opts.Logger
	f.metrics = opts.Metrics
	f.events = make(chan event.Execution, opts.Buffer)
}

// Name returns the backend name used in logs, metrics and /healthz.
func (f *feed) Name() string { return f.name }

// Events returns the channel executions are delivered on. It is closed once
// the source has stopped.
func (f *feed) Events() <-chan event.Execution { return f.events }

// begin marks the feed as started and returns the context its goroutine
// should run under.
func (f *feed) begin(parent context.Context) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil, ErrStopped
	}
	if f.started {
		return nil, fmt.Errorf("%s: already started", f.name)
	}
	ctx, cancel := context.WithCancel(parent)
	f.started = true
	f.cancel = cancel
	return ctx, nil
}

// run starts fn on its own goroutine. events is closed when fn returns.
func (f *feed) run(ctx context.Context, fn func(ctx context.Context)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.closeEvents()
		fn(ctx)
	}()
}

// Stop cancels the source and blocks until its goroutine has exited. It is
// safe to call more than once and before Start.
func (f *feed) Stop() {
	f.mu.Lock()
	f.stopped = true
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
	f.closeEvents()
}

func (f *feed) closeEvents() {
	f.closeOnce.Do(func() { close(f.events) })
}

// emit delivers e without blocking. If the buffer is full the execution is
// dropped, counted and a warning is logged.
func (f *feed) emit(e event.Execution) bool {
	select {
	case f.events <- e:
		f.metrics.ExecutionCaptured(f.name)
		return true
	default:
		f.metrics.EventDropped(metrics.DropChannelFull)
		f.logger.Warn(f.name+": event channel full, dropping event",
			slog.Uint64("pid", uint64(e.PID)),
			slog.String("comm", e.Comm),
		)
		return false
	}
}
