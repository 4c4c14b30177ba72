package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/execmon/execmon/internal/dispatch"
	"github.com/execmon/execmon/internal/event"
)

// LineRenderer prints one line per execution that entered the store since
// the previous Render. Executions evicted between two renders are not
// printed.
type LineRenderer struct {
	out     io.Writer
	printed uint64
	message string
}

// NewLineRenderer returns a headless renderer writing to out.
func NewLineRenderer(out io.Writer) *LineRenderer {
	return &LineRenderer{out: out}
}

// Render implements dispatch.Renderer.
func (l *LineRenderer) Render(v dispatch.View) error {
	fresh := v.Pushed - l.printed
	if fresh > uint64(len(v.Items)) {
		fresh = uint64(len(v.Items))
	}
	l.printed = v.Pushed

	var b strings.Builder
	for _, e := range v.Items[len(v.Items)-int(fresh):] {
		b.WriteString(FormatLine(e))
		b.WriteByte('\n')
	}
	if v.Message != "" && v.Message != l.message {
		b.WriteString(v.Message)
		b.WriteByte('\n')
	}
	l.message = v.Message

	if b.Len() == 0 {
		return nil
	}
	if _, err := io.WriteString(l.out, b.String()); err != nil {
		return fmt.Errorf("ui: write lines: %w", err)
	}
	return nil
}

// FormatLine renders e as a single log line.
func FormatLine(e event.Execution) string {
	ts := "-"
	if !e.Time.IsZero() {
		ts = e.Time.Format(time.RFC3339)
	}
	user := e.Username
	if user == "" {
		user = "?"
	}
	return fmt.Sprintf("%s pid=%d ppid=%d uid=%d user=%s comm=%s args=%q",
		ts, e.PID, e.PPID, e.UID, user, e.Comm, e.CommandLine())
}
