// Package relay forwards operator keystrokes to the target's terminal channel
// and logs one input event per submitted line.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode"
	"unicode/utf8"

	"ttyprof/internal/model"
	"ttyprof/internal/ttyio"
)

// DefaultPollInterval bounds how long a read may block before the relay
// checks for cancellation.
const DefaultPollInterval = 100 * time.Millisecond

// Source is an operator input stream. Close restores any terminal settings
// the source changed; the relay always calls it before returning.
type Source interface {
	ttyio.Reader
	Close() error
}

// Config controls the relay loop.
type Config struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Stats describes what the relay did.
type Stats struct {
	Events    int
	Forwarded int64
}

// Run copies src to channel one byte at a time until ctx is done or src is
// exhausted. A closed source or channel ends the relay without error.
func Run(ctx context.Context, src Source, channel io.Writer, sink model.EventSink, cfg Config) (stats Stats, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			logger.Warn("restore input source", "error", closeErr)
		}
	}()

	var lb lineBuffer
	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return stats, nil
		}

		n, readErr := src.ReadTimeout(buf, poll)
		if n == 1 {
			if _, writeErr := channel.Write(buf); writeErr != nil {
				if ttyio.IsClosed(writeErr) {
					logger.Debug("channel closed while relaying input")
					return stats, nil
				}
				return stats, fmt.Errorf("forward input: %w", writeErr)
			}
			stats.Forwarded++

			if line, done := lb.add(buf[0]); done {
				if _, appendErr := sink.Append(model.EventInput, line); appendErr != nil {
					return stats, appendErr
				}
				stats.Events++
			}
		}

		if readErr != nil {
			if ttyio.IsClosed(readErr) || errors.Is(readErr, io.EOF) {
				logger.Debug("input source closed", "events", stats.Events)
				return stats, nil
			}
			return stats, fmt.Errorf("read input: %w", readErr)
		}
	}
}

// lineBuffer accumulates the printable part of a line. Bytes are assembled
// into runes first so multi-byte characters are judged as a whole.
type lineBuffer struct {
	line    []byte
	pending []byte
	afterCR bool
}

func isTerminator(b byte) bool {
	return b == '\r' || b == '\n'
}

// add consumes one byte and reports the completed line when b terminates it.
// A "\n" directly after "\r" belongs to the same terminator.
func (l *lineBuffer) add(b byte) (string, bool) {
	afterCR := l.afterCR
	l.afterCR = b == '\r'
	if b == '\n' && afterCR {
		return "", false
	}
	if isTerminator(b) {
		line := string(l.line)
		l.line = l.line[:0]
		l.pending = l.pending[:0]
		return line, true
	}

	l.pending = append(l.pending, b)
	if !utf8.FullRune(l.pending) {
		return "", false
	}
	r, size := utf8.DecodeRune(l.pending)
	if !(r == utf8.RuneError && size == 1) && unicode.IsPrint(r) {
		l.line = append(l.line, l.pending[:size]...)
	}
	l.pending = l.pending[:0]
	return "", false
}
