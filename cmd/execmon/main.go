// Command execmon is the live process-execution monitor. It loads an
// optional YAML configuration file, starts the selected capture backend,
// draws the dashboard (or prints one line per execution in headless mode),
// exposes /healthz and /metrics, and shuts down on quit, SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/execmon/execmon/internal/agent"
	"github.com/execmon/execmon/internal/config"
	"github.com/execmon/execmon/internal/enrich"
	"github.com/execmon/execmon/internal/metrics"
	"github.com/execmon/execmon/internal/ui"
	"github.com/execmon/execmon/internal/watcher"
	"github.com/execmon/execmon/internal/watcher/ebpf"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "execmon: %v\n", err)
		os.Exit(1)
	}
}

// run returns after the terminal has been restored, so errors are printed
// on the normal screen.
func run() error {
	configPath := flag.String("config", "", "path to the execmon YAML configuration file (defaults apply when empty)")
	backend := flag.String("backend", "", "capture backend override: ebpf, procfs or execsnoop")
	headless := flag.Bool("headless", false, "print one line per execution instead of drawing the dashboard")
	flag.Parse()

	// Load and validate configuration.
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *backend != "" {
		cfg.Capture.Backend = *backend
	}
	if *headless {
		cfg.UI.Headless = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFile, cfg.UI.Headless)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("backend", cfg.Capture.Backend),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	m := metrics.New()
	users, err := enrich.New(cfg.Enrich.UserCacheSize)
	if err != nil {
		return err
	}

	src, err := newSource(cfg, users, watcher.Options{
		Buffer:  cfg.Capture.Buffer,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to create capture source", slog.Any("error", err))
		return err
	}
	defer src.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ticker := time.NewTicker(cfg.UI.TickRate)
	defer ticker.Stop()

	opts := []agent.Option{
		agent.WithSource(src),
		agent.WithMetrics(m),
		agent.WithEnricher(users),
		agent.WithTicks(ticker.C),
	}

	if cfg.UI.Headless {
		opts = append(opts, agent.WithRenderer(ui.NewLineRenderer(os.Stdout)))
	} else {
		term, err := ui.OpenTerminal(os.Stdin, os.Stdout)
		if err != nil {
			logger.Error("terminal unavailable", slog.Any("error", err))
			return fmt.Errorf("%w (use -headless for non-interactive output)", err)
		}
		defer func() {
			if err := term.Restore(); err != nil {
				logger.Warn("failed to restore terminal", slog.Any("error", err))
			}
		}()
		opts = append(opts,
			agent.WithRenderer(ui.NewDashboard(term.Output(), term.Size)),
			agent.WithInput(ui.ReadKeys(ctx, term.Input())),
		)
	}

	ag := agent.New(cfg, logger, opts...)
	registerGauges(m, ag, src)

	g, gctx := errgroup.WithContext(ctx)
	agentDone := make(chan struct{})

	g.Go(func() error {
		defer close(agentDone)
		return ag.Run(gctx)
	})

	if cfg.HealthEnabled() {
		srv := &http.Server{
			Addr:         cfg.HealthAddr,
			Handler:      ag.Router(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("health server listening", slog.String("addr", cfg.HealthAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			// Shut the server down with the agent or on a signal.
			select {
			case <-gctx.Done():
			case <-agentDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", slog.Any("error", err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("execmon exited with error", slog.Any("error", err))
		return err
	}

	logger.Info("execmon exited cleanly")
	return nil
}

// newSource builds the capture backend selected by cfg.
func newSource(cfg *config.Config, users watcher.UserResolver, opts watcher.Options) (agent.Source, error) {
	switch cfg.Capture.Backend {
	case config.BackendEBPF:
		l, err := ebpf.NewLoader(cfg.Capture.BPFObject, cfg.Capture.RingSize, opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.BackendProcfs:
		s, err := watcher.NewProcSource(cfg.Capture.PollInterval, cfg.Capture.RingSize, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendExecsnoop:
		s, err := watcher.NewExecSnoop(cfg.Capture.Command, users, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
}

// registerGauges exposes live state that is read at scrape time.
func registerGauges(m *metrics.Metrics, ag *agent.Agent, src agent.Source) {
	m.GaugeFunc("store_len", "Executions currently in the live window.", func() float64 {
		return float64(ag.Stats().Len)
	})
	m.GaugeFunc("store_pushed", "Executions pushed into the live window since start.", func() float64 {
		return float64(ag.Stats().Pushed)
	})

	if ps, ok := src.(*watcher.ProcSource); ok {
		m.GaugeFunc("ring_pending_bytes", "Bytes published on the transport ring and not yet consumed.", func() float64 {
			return float64(ps.RingStats().Pending)
		})
		m.GaugeFunc("probe_degraded", "Executions emitted with unreadable argument or environment slots.", func() float64 {
			return float64(ps.ProbeStats().Degraded)
		})
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// at the requested minimum level. The dashboard owns the terminal, so logs go
// to path when set, to stderr in headless mode, and nowhere otherwise.
func newLogger(level, path string, headless bool) (*slog.Logger, func(), error) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var w io.Writer = io.Discard
	closeFn := func() {}
	switch {
	case path != "":
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	case headless:
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), closeFn, nil
}
