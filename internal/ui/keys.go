package ui

import (
	"bytes"
	"context"
	"io"
	"time"
	"unicode/utf8"

	"github.com/execmon/execmon/internal/dispatch"
)

const esc = 0x1b

// csiKeys maps the final byte of an arrow-key sequence ("\x1b[A" or the
// application-mode "\x1bOA") to its key name.
var csiKeys = map[byte]dispatch.Key{
	'A': "up",
	'B': "down",
	'C': "right",
	'D': "left",
	'H': "home",
	'F': "end",
}

// DecodeKeys splits raw terminal input into key names. A lone ESC at the
// end of b is reported as "esc"; unknown escape sequences are dropped.
func DecodeKeys(b []byte) []dispatch.Key {
	var keys []dispatch.Key
	for len(b) > 0 {
		k, n := decodeOne(b)
		b = b[n:]
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func decodeOne(b []byte) (dispatch.Key, int) {
	switch c := b[0]; {
	case c == esc:
		return decodeEscape(b)
	case c == '\r' || c == '\n':
		return "enter", 1
	case c == '\t':
		return "tab", 1
	case c == 0x7f:
		return "backspace", 1
	case c == 0:
		return "ctrl+@", 1
	case c < 0x20:
		return dispatch.Key("ctrl+" + string(rune('a'+c-1))), 1
	case c < utf8.RuneSelf:
		return dispatch.Key(string(rune(c))), 1
	}
	r, n := utf8.DecodeRune(b)
	if r == utf8.RuneError {
		return "", n
	}
	return dispatch.Key(string(r)), n
}

func decodeEscape(b []byte) (dispatch.Key, int) {
	if len(b) == 1 {
		return "esc", 1
	}
	switch b[1] {
	case '[':
		// CSI: parameter and intermediate bytes, then one final byte.
		for i := 2; i < len(b); i++ {
			if b[i] >= 0x40 && b[i] <= 0x7e {
				if i == 2 {
					return csiKeys[b[i]], i + 1
				}
				return "", i + 1
			}
		}
		return "", len(b)
	case 'O':
		if len(b) < 3 {
			return "", len(b)
		}
		return csiKeys[b[2]], 3
	case esc:
		return "esc", 1
	}
	// ESC followed by a printable ASCII key is alt+key.
	if c := b[1]; c >= 0x20 && c < 0x7f {
		return dispatch.Key("alt+" + string(rune(c))), 2
	}
	return "esc", 1
}

// escDelay is how long an unfinished escape sequence at the end of a read
// waits for the rest of its bytes before it is decoded as is.
const escDelay = 50 * time.Millisecond

// pendingEscape returns the offset of an unfinished escape sequence at the
// end of b, or len(b) when b ends on a key boundary.
func pendingEscape(b []byte) int {
	i := bytes.LastIndexByte(b, esc)
	if i < 0 {
		return len(b)
	}
	tail := b[i:]
	switch {
	case len(tail) == 1:
		return i
	case tail[1] == 'O' && len(tail) == 2:
		return i
	case tail[1] == '[':
		for _, c := range tail[2:] {
			if c >= 0x40 && c <= 0x7e {
				return len(b)
			}
		}
		return i
	}
	return len(b)
}

// ReadKeys reads r on a new goroutine and delivers decoded keys on the
// returned channel, which is closed when r fails or reaches EOF. An escape
// sequence split across reads is joined before decoding; a lone ESC is
// reported once escDelay passes with no more input. A read in progress is
// not interrupted by ctx; only delivery is.
func ReadKeys(ctx context.Context, r io.Reader) <-chan dispatch.Key {
	out := make(chan dispatch.Key, 16)
	chunks := make(chan []byte)

	go func() {
		defer close(chunks)
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(out)
		send := func(b []byte) bool {
			for _, k := range DecodeKeys(b) {
				select {
				case out <- k:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		var pending []byte
		var flush <-chan time.Time
		for {
			select {
			case b, ok := <-chunks:
				if !ok {
					send(pending)
					return
				}
				pending = append(pending, b...)
				cut := pendingEscape(pending)
				if !send(pending[:cut]) {
					return
				}
				pending = append([]byte(nil), pending[cut:]...)
				flush = nil
				if len(pending) > 0 {
					flush = time.After(escDelay)
				}
			case <-flush:
				if !send(pending) {
					return
				}
				pending, flush = nil, nil
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
