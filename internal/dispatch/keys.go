package dispatch

import "github.com/charmbracelet/bubbles/key"

// Key is one decoded terminal key press, named the way bubbles/key expects:
// "q", "j", "up", "down", "left", "right", "enter", "esc", "ctrl+c", ...
type Key string

func (k Key) String() string { return string(k) }

// KeyMap binds keys to dispatcher commands.
type KeyMap struct {
	Quit  key.Binding
	Down  key.Binding
	Up    key.Binding
	Right key.Binding
	Left  key.Binding
	Enter key.Binding
}

// DefaultKeyMap returns the vi-style bindings plus arrow keys.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:  key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q/esc", "quit")),
		Down:  key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Up:    key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Right: key.NewBinding(key.WithKeys("l", "right"), key.WithHelp("l/→", "next column")),
		Left:  key.NewBinding(key.WithKeys("h", "left"), key.WithHelp("h/←", "prev column")),
		Enter: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "inspect")),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit, k.Up, k.Down, k.Left, k.Right, k.Enter}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Left, k.Right},
		{k.Enter, k.Quit},
	}
}
