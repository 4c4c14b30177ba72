package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/execmon/execmon/internal/capture"
	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/metrics"
	"github.com/execmon/execmon/internal/transport"
)

// BackendProcfs is the name ProcSource reports.
const BackendProcfs = "procfs"

// DefaultPollInterval is used when NewProcSource is given a non-positive
// interval.
const DefaultPollInterval = 500 * time.Millisecond

// ProcSource detects new processes by polling the process table. Every pid
// that appears between two scans is turned into a capture.Tracepoint over a
// synthetic address space and handed to a capture.Probe, which publishes it
// on a transport.Ring. A second goroutine drains the ring and decodes the
// frames, so the path from probe to decoder is the same one the kernel
// source uses.
//
// Processes that start and exit between two scans are not seen.
type ProcSource struct {
	feed

	interval time.Duration
	ring     *transport.Ring
	probe    *capture.Probe
	boot     time.Time

	// Replaced in tests.
	listPids func(ctx context.Context) ([]int32, error)
	inspect  func(ctx context.Context, pid int32) (capture.Tracepoint, error)
	bootTime func(ctx context.Context) (uint64, error)
}

// NewProcSource returns a source that scans every interval and publishes
// through a ring of ringSize bytes.
func NewProcSource(interval time.Duration, ringSize int, opts Options) (*ProcSource, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ring, err := transport.NewRing(ringSize)
	if err != nil {
		return nil, fmt.Errorf("procfs: %w", err)
	}
	if ring.MaxRecord() < event.RecordSize {
		return nil, fmt.Errorf("procfs: ring size %d cannot hold a %d-byte record (need >= %d)",
			ringSize, event.RecordSize, transport.SizeFor(event.RecordSize))
	}
	s := &ProcSource{
		interval: interval,
		ring:     ring,
		probe:    capture.NewProbe(ring),
		listPids: process.PidsWithContext,
		inspect:  inspectProcess,
		bootTime: host.BootTimeWithContext,
	}
	s.feed.init(BackendProcfs, opts)
	return s, nil
}

// Start takes the initial process snapshot and begins polling. Processes
// already running when Start is called are not reported.
func (s *ProcSource) Start(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	boot, err := s.bootTime(ctx)
	if err != nil {
		s.Stop()
		return fmt.Errorf("procfs: read boot time: %w", err)
	}
	s.boot = time.Unix(int64(boot), 0)

	seen, err := s.scan(ctx)
	if err != nil {
		s.Stop()
		return fmt.Errorf("procfs: initial scan: %w", err)
	}

	s.logger.Info("procfs: source started",
		slog.Duration("interval", s.interval),
		slog.Int("ring_size", s.ring.Size()),
		slog.Int("processes", len(seen)),
	)

	s.run(ctx, func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.poll(gctx, seen) })
		g.Go(func() error { return s.consume(gctx) })
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("procfs: source stopped with error", slog.Any("error", err))
		}
		s.drain()
	})
	return nil
}

// RingStats reports the transport counters.
func (s *ProcSource) RingStats() transport.Stats { return s.ring.Stats() }

// ProbeStats reports the probe outcome counters.
func (s *ProcSource) ProbeStats() capture.ProbeStats { return s.probe.Stats() }

// poll rescans the process table every interval and runs new pids through
// the probe.
func (s *ProcSource) poll(ctx context.Context, seen map[int32]struct{}) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := s.scan(ctx)
			if err != nil {
				s.logger.Warn("procfs: cannot list processes", slog.Any("error", err))
				continue
			}
			for pid := range current {
				if _, existed := seen[pid]; !existed {
					s.handle(ctx, pid)
				}
			}
			seen = current
		}
	}
}

func (s *ProcSource) scan(ctx context.Context) (map[int32]struct{}, error) {
	pids, err := s.listPids(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		set[pid] = struct{}{}
	}
	return set, nil
}

// handle runs one new process through the probe. A process that exited
// before it could be inspected is skipped.
func (s *ProcSource) handle(ctx context.Context, pid int32) {
	tp, err := s.inspect(ctx, pid)
	if err != nil {
		s.logger.Debug("procfs: process vanished before inspection",
			slog.Int("pid", int(pid)),
			slog.Any("error", err),
		)
		return
	}
	tp = bootRelative(tp, s.boot)

	switch outcome, res := s.probe.Handle(tp); outcome {
	case capture.OutcomeDropped:
		s.metrics.EventDropped(metrics.DropTransportFull)
		s.logger.Debug("procfs: ring full, dropping event", slog.Int("pid", int(pid)))
	case capture.OutcomeOversize:
		s.metrics.EventDropped(metrics.DropOversize)
		s.logger.Warn("procfs: record larger than the ring, dropping event", slog.Int("pid", int(pid)))
	case capture.OutcomeAborted:
		s.metrics.EventDropped(metrics.DropHeader)
		s.logger.Debug("procfs: event aborted", slog.Int("pid", int(pid)))
	default:
		if res.Degraded() {
			s.logger.Debug("procfs: event emitted with unreadable slots", slog.Int("pid", int(pid)))
		}
	}
}

// consume drains the ring and delivers decoded executions.
func (s *ProcSource) consume(ctx context.Context) error {
	for {
		frame, err := s.ring.Read(ctx)
		if err != nil {
			return err
		}
		s.deliver(frame)
	}
}

// drain delivers frames already published when the source stops.
func (s *ProcSource) drain() {
	for {
		frame, ok := s.ring.Poll()
		if !ok {
			return
		}
		s.deliver(frame)
	}
}

func (s *ProcSource) deliver(frame []byte) {
	e, err := event.Decode(frame)
	if err != nil {
		s.metrics.FrameMalformed()
		s.logger.Warn("procfs: skipping malformed frame", slog.Any("error", err))
		return
	}
	e.Time = s.boot.Add(time.Duration(e.Timestamp))
	s.emit(e)
}

// ─── process table ──────────────────────────────────────────────────────────

// procTracepoint is a Tracepoint over a process read from the process table.
type procTracepoint struct {
	task    capture.Task
	mem     *capture.VectorMemory
	created time.Time
}

func (p *procTracepoint) Task() capture.Task              { return p.task }
func (p *procTracepoint) Header() (capture.Header, error) { return p.mem.Header(), nil }
func (p *procTracepoint) Memory() capture.UserMemory      { return p.mem }

// inspectProcess reads identity and argv/envp of pid. Only the name is
// required; other fields the caller may not read are left empty.
func inspectProcess(ctx context.Context, pid int32) (capture.Tracepoint, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, err
	}

	tp := &procTracepoint{}
	tp.task.PID = uint32(pid)
	copy(tp.task.Comm[:], name)
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		tp.task.PPID = uint32(ppid)
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		tp.task.UID = uint32(uids[0])
	}
	if gids, err := p.GidsWithContext(ctx); err == nil && len(gids) > 0 {
		tp.task.GID = uint32(gids[0])
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		tp.created = time.UnixMilli(ms)
	}

	argv, _ := p.CmdlineSliceWithContext(ctx)
	envp, _ := p.EnvironWithContext(ctx)
	tp.mem = capture.NewVectorMemory(argv, envp)
	return tp, nil
}

// bootRelative sets the task timestamp to the process start time in ns
// since boot, matching what the kernel source reports.
func bootRelative(tp capture.Tracepoint, boot time.Time) capture.Tracepoint {
	p, ok := tp.(*procTracepoint)
	if !ok || p.created.IsZero() || p.created.Before(boot) {
		return tp
	}
	p.task.Timestamp = uint64(p.created.Sub(boot))
	return p
}
