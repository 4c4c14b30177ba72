package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/execmon/execmon/internal/event"
)

// BackendExecsnoop is the name ExecSnoop reports.
const BackendExecsnoop = "execsnoop"

// TimeLayout is the timestamp layout of an execsnoop line, strftime
// "%Y %b %d %H:%M:%S".
const TimeLayout = "2006 Jan 02 15:04:05"

// ErrUnsupportedPlatform is returned by NewExecSnoop when no tracer command
// is known for the running OS and none was configured.
var ErrUnsupportedPlatform = errors.New("execsnoop: no tracer available on this platform")

// ErrMalformedLine is wrapped by ParseLine for lines without six fields.
var ErrMalformedLine = errors.New("execsnoop: malformed line")

// UserResolver maps a uid to a user name.
type UserResolver interface {
	Username(uid uint32) (string, bool)
}

// ExecSnoop runs an external tracer and parses one execution per line of its
// standard output:
//
//	timestamp,uid,pid,ppid,comm,args
//
// Lines that fail to parse are skipped and counted. The source ends when the
// tracer exits.
type ExecSnoop struct {
	feed

	command []string
	users   UserResolver
	loc     *time.Location
	skipped atomic.Uint64
}

// NewExecSnoop returns a text backend running command. An empty command
// selects the platform default; users may be nil.
func NewExecSnoop(command []string, users UserResolver, opts Options) (*ExecSnoop, error) {
	if len(command) == 0 {
		var err error
		if command, err = defaultCommand(); err != nil {
			return nil, err
		}
	}
	s := &ExecSnoop{
		command: command,
		users:   users,
		loc:     time.Local,
	}
	s.feed.init(BackendExecsnoop, opts)
	return s, nil
}

// Command returns the tracer argv.
func (s *ExecSnoop) Command() []string { return s.command }

// Skipped returns the number of lines that could not be parsed.
func (s *ExecSnoop) Skipped() uint64 { return s.skipped.Load() }

// Start launches the tracer. Failure to launch it is returned; a tracer that
// exits later just ends the stream.
func (s *ExecSnoop) Start(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.Stop()
		return fmt.Errorf("execsnoop: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.Stop()
		return fmt.Errorf("execsnoop: start %q: %w", s.command[0], err)
	}

	s.logger.Info("execsnoop: tracer started",
		slog.String("command", strings.Join(s.command, " ")),
		slog.Int("pid", cmd.Process.Pid),
	)

	s.run(ctx, func(ctx context.Context) {
		s.consume(stdout)
		err := cmd.Wait()
		switch {
		case ctx.Err() != nil:
		case err != nil:
			s.logger.Warn("execsnoop: tracer exited", slog.Any("error", err))
		default:
			s.logger.Info("execsnoop: tracer finished")
		}
	})
	return nil
}

// StartReader feeds the source from r instead of a tracer process, for
// replaying captured output. The source ends at EOF.
func (s *ExecSnoop) StartReader(ctx context.Context, r io.Reader) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.run(ctx, func(context.Context) { s.consume(r) })
	return nil
}

// consume reads lines until r is exhausted.
func (s *ExecSnoop) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, err := ParseLine(line, s.loc)
		if err != nil {
			s.skipped.Add(1)
			s.metrics.LineSkipped()
			s.logger.Debug("execsnoop: skipping line",
				slog.String("line", line),
				slog.Any("error", err),
			)
			continue
		}
		if s.users != nil {
			if name, ok := s.users.Username(e.UID); ok {
				e.Username = name
			}
		}
		s.emit(e)
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn("execsnoop: read error", slog.Any("error", err))
	}
}

// ParseLine parses one "timestamp,uid,pid,ppid,comm,args" line. The args
// field runs to the end of the line, so it may itself contain commas; it is
// split on whitespace. The timestamp is interpreted in loc.
func ParseLine(line string, loc *time.Location) (event.Execution, error) {
	f := strings.SplitN(line, ",", 6)
	if len(f) != 6 {
		return event.Execution{}, fmt.Errorf("%w: %d fields", ErrMalformedLine, len(f))
	}

	ts, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(f[0]), loc)
	if err != nil {
		return event.Execution{}, fmt.Errorf("execsnoop: timestamp: %w", err)
	}
	uid, err := parseID(f[1])
	if err != nil {
		return event.Execution{}, fmt.Errorf("execsnoop: uid: %w", err)
	}
	pid, err := parseID(f[2])
	if err != nil {
		return event.Execution{}, fmt.Errorf("execsnoop: pid: %w", err)
	}
	ppid, err := parseID(f[3])
	if err != nil {
		return event.Execution{}, fmt.Errorf("execsnoop: ppid: %w", err)
	}

	return event.Execution{
		Time: ts,
		PID:  pid,
		PPID: ppid,
		UID:  uid,
		Comm: strings.TrimSpace(f[4]),
		Args: strings.Fields(f[5]),
	}, nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	return uint32(n), err
}
