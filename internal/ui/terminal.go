package ui

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNotTerminal is returned by OpenTerminal when stdin or stdout is not a
// terminal.
var ErrNotTerminal = errors.New("ui: not a terminal")

const (
	enterAltScreen = "\x1b[?1049h\x1b[?25l"
	leaveAltScreen = "\x1b[?25h\x1b[?1049l"
)

// Terminal is a raw-mode terminal on the alternate screen.
type Terminal struct {
	in    *os.File
	out   *os.File
	state *term.State
}

// OpenTerminal puts in into raw mode and switches out to the alternate
// screen. Callers must Restore it.
func OpenTerminal(in, out *os.File) (*Terminal, error) {
	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return nil, ErrNotTerminal
	}
	state, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return nil, fmt.Errorf("ui: raw mode: %w", err)
	}
	t := &Terminal{in: in, out: out, state: state}
	if _, err := io.WriteString(out, enterAltScreen); err != nil {
		_ = term.Restore(int(in.Fd()), state)
		return nil, fmt.Errorf("ui: alternate screen: %w", err)
	}
	return t, nil
}

// Input returns the reader key presses arrive on.
func (t *Terminal) Input() io.Reader { return t.in }

// Output returns the writer frames are drawn to.
func (t *Terminal) Output() io.Writer { return t.out }

// Size reports the terminal width and height.
func (t *Terminal) Size() (width, height int, err error) {
	return term.GetSize(int(t.out.Fd()))
}

// Restore leaves the alternate screen and restores the saved terminal mode.
func (t *Terminal) Restore() error {
	_, werr := io.WriteString(t.out, leaveAltScreen)
	if err := term.Restore(int(t.in.Fd()), t.state); err != nil {
		return fmt.Errorf("ui: restore terminal: %w", err)
	}
	return werr
}
