package session

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// TerminalSize returns the size of f, or DefaultSize when f is not a
// terminal.
func TerminalSize(f *os.File) Size {
	if f == nil {
		return DefaultSize
	}
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return DefaultSize
	}
	return Size{Cols: uint16(cols), Rows: uint16(rows)}
}

// followResize copies the size of f to channel whenever the process
// receives SIGWINCH, until ctx is done.
func followResize(ctx context.Context, f *os.File, channel *Channel, logger *slog.Logger) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			size := TerminalSize(f)
			if err := channel.Resize(size); err != nil {
				logger.Debug("propagate window size", "error", err)
				continue
			}
			logger.Debug("window resized", "cols", size.Cols, "rows", size.Rows)
		}
	}
}
