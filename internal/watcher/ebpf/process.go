// SPDX-License-Identifier: Apache-2.0
//
// internal/watcher/ebpf/process.go: kernel capture source.
//
// This file is the userspace half of execmon.bpf.c. It:
//   1. Checks that the running kernel is ≥ 5.8 (BPF ring buffer and
//      bpf_ktime_get_boot_ns were added in 5.8).
//   2. Lifts the memlock rlimit and loads the compiled BPF object.
//   3. Attaches trace_execve to tracepoint/syscalls/sys_enter_execve.
//   4. Reads ring-buffer records in a goroutine, decodes them with
//      event.Decode and delivers them on a buffered channel.
//
// Build the BPF object before using this package:
//
//	make -C internal/watcher/ebpf
//
//go:generate make -C . execmon.bpf.o

//go:build linux

package ebpf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	ciliumebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/metrics"
	"github.com/execmon/execmon/internal/watcher"
)

// Backend is the name the loader reports.
const Backend = "ebpf"

// DefaultObjectPath is where `make install` puts the compiled probe.
const DefaultObjectPath = "/usr/lib/execmon/execmon.bpf.o"

// Object section names shared with execmon.bpf.c.
const (
	programName = "trace_execve"
	eventsMap   = "events"
	statsMap    = "stats"
)

// Indexes into the per-CPU stats map.
const (
	statDropped uint32 = iota
	statAborted
)

// ErrNotSupported is returned by NewLoader when the running kernel does not
// meet the minimum requirements for eBPF-based execve tracing:
//   - Linux ≥ 5.8 (BPF_MAP_TYPE_RINGBUF, introduced in 5.8)
//   - CONFIG_BPF_SYSCALL=y, CONFIG_DEBUG_INFO_BTF=y
//   - CAP_BPF or CAP_SYS_ADMIN
var ErrNotSupported = errors.New("ebpf: kernel ≥ 5.8 required for eBPF execve tracing")

// embeddedObject is set by bpfobject_embed_linux.go under the bpf_embedded
// build tag. When non-nil it takes precedence over the object path.
var embeddedObject []byte

// KernelStats are the counters kept by the probe itself.
type KernelStats struct {
	// Dropped counts events lost because the ring buffer was full.
	Dropped uint64
	// Aborted counts syscall entries with no valid task.
	Aborted uint64
}

// Loader loads the compiled eBPF object into the kernel, attaches it to the
// execve tracepoint, and pumps decoded executions to the Events channel.
//
// Lifecycle:
//
//  1. Create with NewLoader; the constructor checks the kernel version.
//  2. Call Start(ctx) to attach the BPF program and start the event goroutine.
//  3. Read executions from Events().
//  4. Call Stop() to detach, free all kernel objects, and close the channel.
//
// Loader is safe for concurrent use after Start returns.
type Loader struct {
	objectPath string
	ringSize   int
	events     chan event.Execution
	logger     *slog.Logger
	metrics    *metrics.Metrics
	boot       time.Time

	mu       sync.Mutex
	coll     *ciliumebpf.Collection
	link     link.Link
	rd       *ringbuf.Reader
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Last probe counters added to metrics. Owned by readLoop.
	reported KernelStats
}

// NewLoader creates a new Loader for the object at objectPath after verifying
// that the running kernel supports eBPF ring buffers (Linux ≥ 5.8). It
// returns ErrNotSupported when the kernel is too old. A positive ringSize
// overrides the size of the kernel ring buffer compiled into the object.
//
// The caller must call Stop() when done, even if Start is never called.
func NewLoader(objectPath string, ringSize int, opts watcher.Options) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if objectPath == "" {
		objectPath = DefaultObjectPath
	}
	if err := requireKernelVersion(5, 8); err != nil {
		return nil, err
	}
	return &Loader{
		objectPath: objectPath,
		ringSize:   ringSize,
		events:     make(chan event.Execution, opts.Buffer),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Name returns "ebpf".
func (l *Loader) Name() string { return Backend }

// Start lifts the memlock limit, loads the BPF object, attaches the program
// to sys_enter_execve and starts the ring-buffer event pump in a background
// goroutine.
//
// The context controls the lifetime of the event pump: cancelling ctx causes
// the goroutine to exit within one second (the ring-buffer read deadline).
// Start must be called at most once; subsequent calls return an error.
//
// Privilege: loading BPF programs requires CAP_BPF and CAP_PERFMON, or
// CAP_SYS_ADMIN.
func (l *Loader) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("ebpf loader: already started")
	}
	l.started = true

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("ebpf loader: remove memlock rlimit: %w", err)
	}

	spec, err := l.loadSpec()
	if err != nil {
		return err
	}
	if err := l.applyRingSize(spec); err != nil {
		return err
	}

	// Load (verify + JIT-compile) the program and create the maps.
	coll, err := ciliumebpf.NewCollection(spec)
	if err != nil {
		var ve *ciliumebpf.VerifierError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: BPF verifier: %v", ErrNotSupported, ve)
		}
		return fmt.Errorf("ebpf loader: load BPF collection: %w", err)
	}

	prog, ok := coll.Programs[programName]
	if !ok {
		coll.Close()
		return fmt.Errorf("ebpf loader: program %q not found in %s", programName, l.objectPath)
	}
	events, ok := coll.Maps[eventsMap]
	if !ok {
		coll.Close()
		return fmt.Errorf("ebpf loader: map %q not found in %s", eventsMap, l.objectPath)
	}

	ln, err := link.Tracepoint("syscalls", "sys_enter_execve", prog, nil)
	if err != nil {
		coll.Close()
		return fmt.Errorf("ebpf loader: attach execve tracepoint: %w", err)
	}

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		ln.Close()
		coll.Close()
		return fmt.Errorf("ebpf loader: open ring buffer: %w", err)
	}

	boot, err := host.BootTimeWithContext(ctx)
	if err != nil {
		l.logger.Warn("ebpf loader: boot time unavailable, wall-clock times will be wrong",
			slog.Any("error", err))
	}
	l.boot = time.Unix(int64(boot), 0)

	l.coll = coll
	l.link = ln
	l.rd = rd

	l.wg.Add(1)
	go l.readLoop(ctx)

	l.logger.Info("ebpf loader: execve tracing active",
		slog.String("object", l.objectPath),
		slog.Uint64("ring_size", uint64(events.MaxEntries())),
	)
	return nil
}

func (l *Loader) loadSpec() (*ciliumebpf.CollectionSpec, error) {
	if embeddedObject != nil {
		spec, err := ciliumebpf.LoadCollectionSpecFromReader(bytes.NewReader(embeddedObject))
		if err != nil {
			return nil, fmt.Errorf("ebpf loader: parse embedded BPF object: %w", err)
		}
		return spec, nil
	}
	spec, err := ciliumebpf.LoadCollectionSpec(l.objectPath)
	if err != nil {
		return nil, fmt.Errorf("ebpf loader: parse BPF object %s: %w "+
			"(compile with 'make -C internal/watcher/ebpf')", l.objectPath, err)
	}
	return spec, nil
}

// applyRingSize sets the events map capacity from the configured ring size.
func (l *Loader) applyRingSize(spec *ciliumebpf.CollectionSpec) error {
	if l.ringSize <= 0 {
		return nil
	}
	ms, ok := spec.Maps[eventsMap]
	if !ok {
		return fmt.Errorf("ebpf loader: map %q not found in %s", eventsMap, l.objectPath)
	}
	ms.MaxEntries = ringEntries(l.ringSize, os.Getpagesize())
	return nil
}

// ringEntries rounds size up to a power of two that is a multiple of the
// page size, as BPF_MAP_TYPE_RINGBUF requires.
func ringEntries(size, page int) uint32 {
	n := page
	for n < size {
		n <<= 1
	}
	return uint32(n)
}

// Events returns the read-only channel on which executions are delivered.
// The channel is closed when Stop is called and the background goroutine
// has exited.
func (l *Loader) Events() <-chan event.Execution {
	return l.events
}

// KernelStats sums the probe's per-CPU counters. It returns zero values
// before Start.
func (l *Loader) KernelStats() (KernelStats, error) {
	l.mu.Lock()
	coll := l.coll
	l.mu.Unlock()

	var ks KernelStats
	if coll == nil {
		return ks, nil
	}
	m, ok := coll.Maps[statsMap]
	if !ok {
		return ks, nil
	}
	var err error
	if ks.Dropped, err = sumPerCPU(m, statDropped); err != nil {
		return ks, err
	}
	if ks.Aborted, err = sumPerCPU(m, statAborted); err != nil {
		return ks, err
	}
	return ks, nil
}

func sumPerCPU(m *ciliumebpf.Map, key uint32) (uint64, error) {
	var values []uint64
	if err := m.Lookup(key, &values); err != nil {
		return 0, fmt.Errorf("ebpf loader: read stats[%d]: %w", key, err)
	}
	var sum uint64
	for _, v := range values {
		sum += v
	}
	return sum, nil
}

// Stop detaches the BPF program, waits for the event-pump goroutine to
// exit, frees all kernel objects and closes the Events channel. Stop is
// safe to call multiple times.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		rd := l.rd
		ln := l.link
		coll := l.coll
		l.mu.Unlock()

		// Closing the reader unblocks a pending rd.Read() with
		// ringbuf.ErrClosed.
		if rd != nil {
			_ = rd.Close()
		}

		// Wait for the pump before releasing kernel objects.
		l.wg.Wait()

		if ln != nil {
			_ = ln.Close()
		}
		if coll != nil {
			coll.Close()
		}

		close(l.events)
		l.logger.Info("ebpf loader: stopped")
	})
}

// ─── Event pump ──────────────────────────────────────────────────────────────

// readLoop runs in the goroutine started by Start. It exits when:
//   - Stop() is called (rd.Read() returns ringbuf.ErrClosed), or
//   - ctx is cancelled (detected via the 1-second read deadline).
func (l *Loader) readLoop(ctx context.Context) {
	defer l.wg.Done()
	defer l.syncKernelStats()

	for {
		l.rd.SetDeadline(time.Now().Add(time.Second))

		rec, err := l.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				l.syncKernelStats()
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			l.logger.Warn("ebpf loader: ring buffer read error",
				slog.Any("error", err),
			)
			return
		}

		l.deliver(rec.RawSample)
	}
}

// syncKernelStats adds the probe's drops since the previous call to the
// metrics drop counter.
func (l *Loader) syncKernelStats() {
	ks, err := l.KernelStats()
	if err != nil {
		l.logger.Debug("ebpf loader: cannot read probe counters", slog.Any("error", err))
		return
	}
	l.metrics.EventsDropped(metrics.DropTransportFull, ks.Dropped-l.reported.Dropped)
	l.metrics.EventsDropped(metrics.DropHeader, ks.Aborted-l.reported.Aborted)
	l.reported = ks
}

// deliver decodes one raw sample and sends it without blocking.
func (l *Loader) deliver(raw []byte) {
	e, err := event.Decode(raw)
	if err != nil {
		l.metrics.FrameMalformed()
		l.logger.Warn("ebpf loader: malformed ring-buffer record",
			slog.Int("got", len(raw)),
			slog.Int("want", event.RecordSize),
		)
		return
	}
	e.Time = l.boot.Add(time.Duration(e.Timestamp))

	select {
	case l.events <- e:
		l.metrics.ExecutionCaptured(Backend)
	default:
		l.metrics.EventDropped(metrics.DropChannelFull)
		l.logger.Warn("ebpf loader: event channel full, dropping execve event",
			slog.String("comm", e.Comm),
			slog.Uint64("pid", uint64(e.PID)),
		)
	}
}

// ─── Kernel version check ────────────────────────────────────────────────────

// requireKernelVersion reads the kernel release string from
// /proc/sys/kernel/osrelease and returns ErrNotSupported if the running
// kernel is older than major.minor.
func requireKernelVersion(major, minor int) error {
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return fmt.Errorf("ebpf: read kernel version: %w", err)
	}
	return checkRelease(strings.TrimSpace(string(b)), major, minor)
}

// checkRelease compares a release string such as "6.8.0-45-generic" against
// major.minor.
func checkRelease(release string, major, minor int) error {
	var maj, min int
	if _, err := fmt.Sscanf(release, "%d.%d", &maj, &min); err != nil {
		return fmt.Errorf("ebpf: parse kernel release %q: %w", release, err)
	}

	if maj < major || (maj == major && min < minor) {
		return fmt.Errorf("%w: running kernel %d.%d < required %d.%d",
			ErrNotSupported, maj, min, major, minor)
	}
	return nil
}
