// Package ui draws execmon views on a terminal and decodes key presses.
//
// Dashboard renders the full-screen table; LineRenderer prints one line per
// new execution for headless use. Both implement dispatch.Renderer and are
// only ever called from the dispatcher goroutine.
package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/execmon/execmon/internal/dispatch"
	"github.com/execmon/execmon/internal/event"
)

const (
	clearScreen = "\x1b[H\x1b[2J"

	defaultWidth  = 120
	defaultHeight = 40

	// maxCellWidth caps every column except args.
	maxCellWidth = 16
	minArgsWidth = 10
	rowMarker    = "▌ "
	timeLayout   = "15:04:05"
)

// Column indexes, in the order the column cursor visits them.
const (
	ColIndex = iota
	ColTime
	ColUser
	ColPID
	ColPPID
	ColComm
	ColArgs
)

var headers = [dispatch.ColumnCount]string{"#", "timestamp", "user", "pid", "ppid", "comm", "args"}

// ppidPalette colours the ppid column so siblings share a colour.
var ppidPalette = [...]lipgloss.Color{
	"1",  // red
	"2",  // green
	"3",  // yellow
	"4",  // blue
	"5",  // magenta
	"6",  // cyan
	"10", // light green
	"11", // light yellow
	"12", // light blue
	"13", // light magenta
	"14", // light cyan
	"9",  // light red
}

// PPIDColor returns the palette colour for a parent pid.
func PPIDColor(ppid uint32) lipgloss.Color {
	return ppidPalette[ppid%uint32(len(ppidPalette))]
}

// SizeFunc reports the terminal size in cells.
type SizeFunc func() (width, height int, err error)

type styles struct {
	title        lipgloss.Style
	header       lipgloss.Style
	headerActive lipgloss.Style
	cell         lipgloss.Style
	selectedRow  lipgloss.Style
	selectedCell lipgloss.Style
	footer       lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")),
		header: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#89B4FA")),
		headerActive: r.NewStyle().
			Bold(true).
			Underline(true).
			Foreground(lipgloss.Color("#CDD6F4")),
		cell: r.NewStyle(),
		selectedRow: r.NewStyle().
			Bold(true).
			Background(lipgloss.Color("#313244")),
		selectedCell: r.NewStyle().
			Bold(true).
			Reverse(true),
		footer: r.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#6C7086")).
			Align(lipgloss.Center),
	}
}

// Dashboard is the full-screen table renderer.
type Dashboard struct {
	out  io.Writer
	size SizeFunc
	help help.Model
	st   styles
}

// NewDashboard returns a Dashboard writing to out. size may be nil, in
// which case a fixed 120x40 screen is assumed.
func NewDashboard(out io.Writer, size SizeFunc) *Dashboard {
	return &Dashboard{
		out:  out,
		size: size,
		help: help.New(),
		st:   newStyles(lipgloss.NewRenderer(out)),
	}
}

// Render clears the screen and draws v. Lines end in CRLF because the
// terminal is in raw mode while the dashboard runs.
func (d *Dashboard) Render(v dispatch.View) error {
	w, h := defaultWidth, defaultHeight
	if d.size != nil {
		if sw, sh, err := d.size(); err == nil && sw > 0 && sh > 0 {
			w, h = sw, sh
		}
	}
	frame := strings.ReplaceAll(d.Frame(v, w, h), "\n", "\r\n")
	if _, err := io.WriteString(d.out, clearScreen+frame); err != nil {
		return fmt.Errorf("ui: write frame: %w", err)
	}
	return nil
}

// Frame lays out v for a width x height screen: a title line, the table
// header, as many rows as fit with the selection kept visible, and the
// message box with the key help below it.
func (d *Dashboard) Frame(v dispatch.View, width, height int) string {
	rows := make([][dispatch.ColumnCount]string, len(v.Items))
	for i, e := range v.Items {
		rows[i] = cells(i, e)
	}
	widths := columnWidths(rows, width)
	footer := d.footer(v, width)

	var b strings.Builder
	title := fmt.Sprintf("execmon  %d shown  %d captured", len(v.Items), v.Pushed)
	b.WriteString(ansi.Truncate(d.st.title.Render(title), width, "…"))
	b.WriteByte('\n')
	b.WriteString(ansi.Truncate(d.headerLine(widths, v.Column), width, ""))
	b.WriteByte('\n')

	visible := height - 2 - lipgloss.Height(footer)
	if visible < 1 {
		visible = 1
	}
	start, end := window(len(rows), v.Selected, visible)
	for i := start; i < end; i++ {
		line := d.rowLine(rows[i], v.Items[i].PPID, widths, i == v.Selected, v.Column)
		b.WriteString(ansi.Truncate(line, width, ""))
		b.WriteByte('\n')
	}
	b.WriteString(footer)
	return b.String()
}

func (d *Dashboard) headerLine(widths [dispatch.ColumnCount]int, column int) string {
	parts := make([]string, dispatch.ColumnCount)
	for c, h := range headers {
		st := d.st.header
		if c == column {
			st = d.st.headerActive
		}
		parts[c] = st.Render(fit(h, widths[c]))
	}
	return strings.Repeat(" ", ansi.StringWidth(rowMarker)) + strings.Join(parts, " ")
}

func (d *Dashboard) rowLine(row [dispatch.ColumnCount]string, ppid uint32, widths [dispatch.ColumnCount]int, selected bool, column int) string {
	parts := make([]string, dispatch.ColumnCount)
	for c, text := range row {
		st := d.st.cell
		switch {
		case selected && c == column:
			st = d.st.selectedCell
		case selected:
			st = d.st.selectedRow
		}
		if c == ColPPID {
			st = st.Foreground(PPIDColor(ppid))
		}
		parts[c] = st.Render(fit(text, widths[c]))
	}
	marker := strings.Repeat(" ", ansi.StringWidth(rowMarker))
	if selected {
		marker = rowMarker
	}
	return marker + strings.Join(parts, " ")
}

func (d *Dashboard) footer(v dispatch.View, width int) string {
	msg := v.Message
	if msg == "" {
		msg = " "
	}
	boxWidth := width - 2
	if boxWidth < 1 {
		boxWidth = 1
	}
	d.help.Width = width
	return d.st.footer.Width(boxWidth).Render(msg) + "\n" + d.help.View(v.Keys)
}

// cells formats one execution as table text.
func cells(i int, e event.Execution) [dispatch.ColumnCount]string {
	ts := "-"
	if !e.Time.IsZero() {
		ts = e.Time.Format(timeLayout)
	}
	user := e.Username
	if user == "" {
		user = strconv.FormatUint(uint64(e.UID), 10)
	}
	return [dispatch.ColumnCount]string{
		ColIndex: strconv.Itoa(i),
		ColTime:  ts,
		ColUser:  user,
		ColPID:   strconv.FormatUint(uint64(e.PID), 10),
		ColPPID:  strconv.FormatUint(uint64(e.PPID), 10),
		ColComm:  e.Comm,
		ColArgs:  e.CommandLine(),
	}
}

// columnWidths sizes every column to its longest cell, capped at
// maxCellWidth, and gives args what is left of width.
func columnWidths(rows [][dispatch.ColumnCount]string, width int) [dispatch.ColumnCount]int {
	var w [dispatch.ColumnCount]int
	for c, h := range headers {
		w[c] = ansi.StringWidth(h)
	}
	for _, row := range rows {
		for c := 0; c < ColArgs; c++ {
			if n := ansi.StringWidth(row[c]); n > w[c] {
				w[c] = n
			}
		}
	}
	used := ansi.StringWidth(rowMarker)
	for c := 0; c < ColArgs; c++ {
		if w[c] > maxCellWidth {
			w[c] = maxCellWidth
		}
		used += w[c] + 1
	}
	w[ColArgs] = width - used
	if w[ColArgs] < minArgsWidth {
		w[ColArgs] = minArgsWidth
	}
	return w
}

// fit truncates s to width cells and pads it with spaces.
func fit(s string, width int) string {
	s = ansi.Truncate(s, width, "…")
	if pad := width - ansi.StringWidth(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}
	return s
}

// window returns the half-open range of rows to draw so that selected is
// on screen.
func window(n, selected, visible int) (start, end int) {
	if n <= visible {
		return 0, n
	}
	if selected >= visible {
		start = selected - visible + 1
	}
	return start, start + visible
}
