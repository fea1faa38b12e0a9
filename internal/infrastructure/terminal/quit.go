package terminal

import (
	"errors"
	"io"
	"os"

	"golang.org/x/term"
)

const ctrlC = 0x03

// ErrNotTerminal is returned when stdin is not an interactive terminal.
var ErrNotTerminal = errors.New("stdin is not a terminal")

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// WatchQuit switches in to raw mode and calls onQuit once the operator presses
// q or Ctrl-C. Raw mode disables the terminal's own SIGINT, so Ctrl-C is read
// as a byte here. The returned restore func must be called before exiting.
func WatchQuit(in *os.File, onQuit func()) (restore func(), err error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	// The reader goroutine stays blocked on stdin until the process exits.
	go WatchKeys(in, onQuit)

	return func() { _ = term.Restore(fd, state) }, nil
}

// WatchKeys reads r until a quit key or EOF. onQuit is called at most once.
func WatchKeys(r io.Reader, onQuit func()) {
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == 'q' || b == 'Q' || b == ctrlC {
				onQuit()
				return
			}
		}
		if err != nil {
			return
		}
	}
}
