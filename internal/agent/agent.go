// Package agent contains the execmon orchestrator. It wires a capture
// Source to the dispatcher loop that owns the live store and the dashboard,
// manages their lifecycle through a shared context and exposes health and
// metrics over HTTP.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/execmon/execmon/internal/config"
	"github.com/execmon/execmon/internal/dispatch"
	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/metrics"
	"github.com/execmon/execmon/internal/store"
)

// ErrAlreadyRunning is returned by Run when the agent has already been run.
var ErrAlreadyRunning = errors.New("agent: already running")

// Source is the common interface implemented by the capture backends: the
// kernel ring reader, the process table poller and the text tracer.
// Implementations must be safe for concurrent use.
type Source interface {
	// Name identifies the backend in logs, metrics and /healthz.
	Name() string
	// Start begins capturing and sends executions to the channel returned
	// by Events. It returns an error if the backend cannot be set up.
	Start(ctx context.Context) error
	// Stop releases resources and blocks until internal goroutines have
	// exited. It is safe to call more than once.
	Stop()
	// Events returns the channel executions are delivered on. It is closed
	// when the source stops or its upstream ends.
	Events() <-chan event.Execution
}

// Agent is the central orchestrator. It starts the source, runs the
// dispatcher until quit or cancellation and stops the source afterwards.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	source  Source
	store   *store.Store
	metrics *metrics.Metrics

	dispatchOpts []dispatch.Option
	dispatcher   *dispatch.Dispatcher

	mu        sync.RWMutex
	startTime time.Time
	running   bool
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithSource registers the capture backend.
func WithSource(s Source) Option {
	return func(a *Agent) { a.source = s }
}

// WithStore replaces the live store. Mostly useful in tests.
func WithStore(st *store.Store) Option {
	return func(a *Agent) { a.store = st }
}

// WithMetrics registers the metrics the agent and its dispatcher record on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithRenderer sets the dashboard or line renderer.
func WithRenderer(r dispatch.Renderer) Option {
	return func(a *Agent) { a.dispatchOpts = append(a.dispatchOpts, dispatch.WithRenderer(r)) }
}

// WithTicks sets the render tick channel.
func WithTicks(c <-chan time.Time) Option {
	return func(a *Agent) { a.dispatchOpts = append(a.dispatchOpts, dispatch.WithTicks(c)) }
}

// WithInput sets the key press channel.
func WithInput(c <-chan dispatch.Key) Option {
	return func(a *Agent) { a.dispatchOpts = append(a.dispatchOpts, dispatch.WithInput(c)) }
}

// WithEnricher enables username resolution and process inspection.
func WithEnricher(e dispatch.Enricher) Option {
	return func(a *Agent) { a.dispatchOpts = append(a.dispatchOpts, dispatch.WithEnricher(e)) }
}

// New creates an Agent from cfg. Components are optional: without a source
// the loop only serves ticks and input, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.store == nil {
		a.store = store.New()
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	var capture <-chan event.Execution
	if a.source != nil {
		capture = a.source.Events()
	}
	dopts := append([]dispatch.Option{
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
	}, a.dispatchOpts...)
	a.dispatcher = dispatch.New(a.store, capture, dopts...)
	return a
}

// Metrics returns the metrics registry the agent records on.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Stats returns the dispatcher counters.
func (a *Agent) Stats() dispatch.Stats { return a.dispatcher.Stats() }

// Run starts the source and runs the dispatcher loop until a quit key, ctx
// cancellation or the end of input. A source that fails to start is
// reported before the loop begins. Run may be called once.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running || !a.startTime.IsZero() {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("starting execmon agent",
		slog.String("backend", a.backend()),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("health_addr", a.cfg.HealthAddr),
		slog.Bool("headless", a.cfg.UI.Headless),
	)

	if a.source != nil {
		if err := a.source.Start(ctx); err != nil {
			a.source.Stop()
			return fmt.Errorf("agent: source %q failed to start: %w", a.source.Name(), err)
		}
		defer a.source.Stop()
	}

	err := a.dispatcher.Run(ctx)

	s := a.dispatcher.Stats()
	a.logger.Info("execmon agent stopped",
		slog.Uint64("events_total", s.Pushed),
		slog.Uint64("renders", s.Renders),
	)
	return err
}

func (a *Agent) backend() string {
	if a.source == nil {
		return "none"
	}
	return a.source.Name()
}

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	Backend     string  `json:"backend"`
	StoreLen    int     `json:"store_len"`
	EventsTotal uint64  `json:"events_total"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current agent health state. Status is
// "starting" before Run, "ok" while the loop runs and "stopped" after.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	start, running := a.startTime, a.running
	a.mu.RUnlock()

	s := a.dispatcher.Stats()
	h := HealthStatus{
		Status:      "ok",
		Backend:     a.backend(),
		StoreLen:    s.Len,
		EventsTotal: s.Pushed,
	}
	switch {
	case start.IsZero():
		h.Status = "starting"
	case !running || s.State == dispatch.Stopped:
		h.Status = "stopped"
	}
	if !start.IsZero() {
		h.UptimeS = time.Since(start).Seconds()
	}
	if !s.LastEventAt.IsZero() {
		h.LastEventAt = s.LastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// Router returns the HTTP surface: GET /healthz and GET /metrics.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.HealthzHandler)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	return r
}
