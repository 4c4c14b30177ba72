// Package dispatch contains the execmon update loop. A single goroutine
// waits on three sources at once (a render tick, terminal key presses and
// decoded capture events), takes exactly one item per iteration and applies
// it to the live store and UI state, which it owns exclusively.
//
// Feeders never touch the store; they only send on the channels handed to
// New. Closing a channel retires that source without stopping the loop.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/key"

	"github.com/execmon/execmon/internal/enrich"
	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/metrics"
	"github.com/execmon/execmon/internal/store"
)

// ColumnCount is the number of dashboard columns the column cursor cycles
// through: #, time, user, pid, ppid, comm, args.
const ColumnCount = 7

// State is the lifecycle state of the loop.
type State int32

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	if s == Stopped {
		return "stopped"
	}
	return "running"
}

// Kind tags a dispatch Event.
type Kind uint8

const (
	KindTick Kind = iota
	KindInput
	KindCapture
	KindQuit
	KindSelectionChanged
)

// Event is one unit of work for the loop.
type Event struct {
	Kind Kind
	Key  Key             // KindInput
	Exec event.Execution // KindCapture
}

// Enricher resolves live process metadata on demand.
type Enricher interface {
	Process(ctx context.Context, pid uint32) (enrich.ProcessInfo, bool, error)
	Username(uid uint32) (string, bool)
}

// View is the read-only state handed to a Renderer.
type View struct {
	Items    []event.Execution // oldest first
	Selected int               // -1 when Items is empty
	Column   int
	Message  string
	Pushed   uint64
	Keys     KeyMap
}

// Renderer draws a View. Implementations must not retain Items.
type Renderer interface {
	Render(v View) error
}

// Stats is a snapshot of loop counters, safe to read from any goroutine.
type Stats struct {
	State       State
	Len         int
	Pushed      uint64
	Renders     uint64
	Transitions uint64
	LastEventAt time.Time
}

// Dispatcher is the update loop. Create it with New and call Run once.
type Dispatcher struct {
	store    *store.Store
	enricher Enricher
	renderer Renderer
	keys     KeyMap
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ticks   <-chan time.Time
	input   <-chan Key
	capture <-chan event.Execution

	// Owned by the loop goroutine.
	state   State
	column  int
	message string
	dirty   bool
	pending []Event

	// Published for Stats.
	pubState    atomic.Int32
	pubLen      atomic.Int64
	pubPushed   atomic.Uint64
	renders     atomic.Uint64
	transitions atomic.Uint64
	lastEventAt atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTicks sets the render tick source.
func WithTicks(c <-chan time.Time) Option { return func(d *Dispatcher) { d.ticks = c } }

// WithInput sets the terminal key source.
func WithInput(c <-chan Key) Option { return func(d *Dispatcher) { d.input = c } }

// WithRenderer sets where views are drawn.
func WithRenderer(r Renderer) Option { return func(d *Dispatcher) { d.renderer = r } }

// WithEnricher enables username resolution and the inspect command.
func WithEnricher(e Enricher) Option { return func(d *Dispatcher) { d.enricher = e } }

// WithKeyMap replaces DefaultKeyMap.
func WithKeyMap(k KeyMap) Option { return func(d *Dispatcher) { d.keys = k } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics records loop activity on m.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// New returns a dispatcher that feeds capture events into st.
func New(st *store.Store, capture <-chan event.Execution, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   st,
		capture: capture,
		keys:    DefaultKeyMap(),
		state:   Running,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// State returns the loop state. Only meaningful on the loop goroutine or
// after Run has returned; other goroutines should use Stats.
func (d *Dispatcher) State() State { return d.state }

// Run renders once and then processes events until a quit key is applied or
// ctx is cancelled. Capture events already buffered when the loop stops are
// pushed into the store before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.render()
	for d.state == Running {
		d.Apply(ctx, d.next(ctx))
	}
	d.drain()
	d.logger.Info("dispatcher: stopped",
		slog.Int("store_len", d.store.Len()),
		slog.Uint64("pushed", d.store.Pushed()),
	)
	return nil
}

// next blocks until one source has an item and returns it.
func (d *Dispatcher) next(ctx context.Context) Event {
	for {
		select {
		case <-ctx.Done():
			return Event{Kind: KindQuit}
		case _, ok := <-d.ticks:
			if !ok {
				d.ticks = nil
				continue
			}
			return Event{Kind: KindTick}
		case k, ok := <-d.input:
			if !ok {
				d.input = nil
				continue
			}
			return Event{Kind: KindInput, Key: k}
		case e, ok := <-d.capture:
			if !ok {
				d.logger.Info("dispatcher: capture source closed")
				d.capture = nil
				continue
			}
			return Event{Kind: KindCapture, Exec: e}
		}
	}
}

// Apply processes a single event together with any events it generates
// (quit, selection changes). It is exported so tests and callers that drive
// the loop themselves can step it deterministically.
func (d *Dispatcher) Apply(ctx context.Context, ev Event) {
	d.pending = append(d.pending, ev)
	for len(d.pending) > 0 && d.state == Running {
		next := d.pending[0]
		d.pending = d.pending[1:]
		d.apply(ctx, next)
	}
	d.pending = d.pending[:0]

	if ev.Kind == KindInput && d.state == Running {
		d.render()
	}
}

func (d *Dispatcher) apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindTick:
		if d.dirty {
			d.render()
		}
	case KindInput:
		d.handleKey(ctx, ev.Key)
	case KindCapture:
		d.push(ev.Exec)
	case KindSelectionChanged:
		d.message = ""
		d.transitions.Add(1)
		d.dirty = true
	case KindQuit:
		d.state = Stopped
		d.pubState.Store(int32(Stopped))
	}
}

func (d *Dispatcher) emit(k Kind) {
	d.pending = append(d.pending, Event{Kind: k})
}

func (d *Dispatcher) handleKey(ctx context.Context, k Key) {
	switch {
	case key.Matches(k, d.keys.Quit):
		d.emit(KindQuit)
	case key.Matches(k, d.keys.Down):
		d.store.Next()
		d.emit(KindSelectionChanged)
	case key.Matches(k, d.keys.Up):
		d.store.Previous()
		d.emit(KindSelectionChanged)
	case key.Matches(k, d.keys.Right):
		d.column = (d.column + 1) % ColumnCount
	case key.Matches(k, d.keys.Left):
		d.column = (d.column + ColumnCount - 1) % ColumnCount
	case key.Matches(k, d.keys.Enter):
		d.inspectSelected(ctx)
	default:
		d.logger.Debug("dispatcher: unbound key", slog.String("key", string(k)))
	}
}

func (d *Dispatcher) push(e event.Execution) {
	if e.Username == "" && d.enricher != nil {
		if name, ok := d.enricher.Username(e.UID); ok {
			e.Username = name
		}
	}
	if d.store.Push(e) {
		d.metrics.StoreEvicted()
	}
	d.dirty = true
	d.pubLen.Store(int64(d.store.Len()))
	d.pubPushed.Store(d.store.Pushed())
	d.lastEventAt.Store(time.Now().UnixNano())
}

// inspectSelected looks up the selected process and its parent and puts the
// result in the footer message.
func (d *Dispatcher) inspectSelected(ctx context.Context) {
	i, ok := d.store.Selected()
	if !ok {
		d.message = "no process selected"
		return
	}
	if d.enricher == nil {
		d.message = "process lookup unavailable"
		return
	}
	e, _ := d.store.At(i)
	if e.Username == "" {
		if name, ok := d.enricher.Username(e.UID); ok {
			d.store.SetUsername(i, name)
		}
	}
	d.message = fmt.Sprintf("pid: %s\nppid: %s", d.describe(ctx, e.PID), d.describe(ctx, e.PPID))
}

func (d *Dispatcher) describe(ctx context.Context, pid uint32) string {
	info, found, err := d.enricher.Process(ctx, pid)
	switch {
	case err != nil:
		d.metrics.EnrichLookup("error")
		d.logger.Warn("dispatcher: process lookup failed",
			slog.Uint64("pid", uint64(pid)),
			slog.Any("error", err),
		)
		return fmt.Sprintf("%d lookup failed", pid)
	case !found:
		d.metrics.EnrichLookup("not_found")
		return fmt.Sprintf("%d not found", pid)
	default:
		d.metrics.EnrichLookup("found")
		return fmt.Sprintf("%d %s", pid, info)
	}
}

// drain pushes capture events that are already buffered, without waiting.
func (d *Dispatcher) drain() {
	for d.capture != nil {
		select {
		case e, ok := <-d.capture:
			if !ok {
				return
			}
			d.push(e)
		default:
			return
		}
	}
}

func (d *Dispatcher) view() View {
	sel := -1
	if i, ok := d.store.Selected(); ok {
		sel = i
	}
	return View{
		Items:    d.store.Snapshot(),
		Selected: sel,
		Column:   d.column,
		Message:  d.message,
		Pushed:   d.store.Pushed(),
		Keys:     d.keys,
	}
}

func (d *Dispatcher) render() {
	d.dirty = false
	d.renders.Add(1)
	if d.renderer == nil {
		return
	}
	if err := d.renderer.Render(d.view()); err != nil {
		d.logger.Warn("dispatcher: render failed", slog.Any("error", err))
	}
}

// Stats returns counters published by the loop.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		State:       State(d.pubState.Load()),
		Len:         int(d.pubLen.Load()),
		Pushed:      d.pubPushed.Load(),
		Renders:     d.renders.Load(),
		Transitions: d.transitions.Load(),
	}
	if ns := d.lastEventAt.Load(); ns != 0 {
		s.LastEventAt = time.Unix(0, ns)
	}
	return s
}
