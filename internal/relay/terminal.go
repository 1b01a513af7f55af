package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"ttyprof/internal/ttyio"
)

// Terminal is the operator's stdin. When it is an interactive terminal it is
// switched to raw mode so every keystroke (including Ctrl-C) reaches the
// target program unmodified.
type Terminal struct {
	file   *os.File
	reader ttyio.PollReader
	state  *term.State
}

// OpenTerminal wraps f. Raw mode is only entered when f is a TTY.
func OpenTerminal(f *os.File) (*Terminal, error) {
	t := &Terminal{file: f, reader: ttyio.PollReader{FD: int(f.Fd())}}
	if !isatty.IsTerminal(f.Fd()) {
		return t, nil
	}
	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	t.state = state
	return t, nil
}

// Raw reports whether the terminal is currently in raw mode.
func (t *Terminal) Raw() bool {
	return t.state != nil
}

// ReadTimeout implements Source.
func (t *Terminal) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	return t.reader.ReadTimeout(p, timeout)
}

// Close restores the terminal settings. It is safe to call more than once.
func (t *Terminal) Close() error {
	if t.state == nil {
		return nil
	}
	state := t.state
	t.state = nil
	return term.Restore(int(t.file.Fd()), state)
}
