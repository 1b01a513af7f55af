package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"ttyprof/internal/model"
	"ttyprof/internal/ttyio"
)

// DefaultPollInterval bounds how long a channel read may block.
const DefaultPollInterval = 100 * time.Millisecond

const readSize = 4096

// MirrorMode selects what the extractor copies to the operator's console.
type MirrorMode string

const (
	MirrorRaw      MirrorMode = "raw"
	MirrorStripped MirrorMode = "stripped"
	MirrorOff      MirrorMode = "off"
)

// ParseMirrorMode validates a mirror mode name. The empty string means raw.
func ParseMirrorMode(s string) (MirrorMode, error) {
	switch MirrorMode(s) {
	case "", MirrorRaw:
		return MirrorRaw, nil
	case MirrorStripped, MirrorOff:
		return MirrorMode(s), nil
	default:
		return "", fmt.Errorf("unknown mirror mode %q (want raw, stripped or off)", s)
	}
}

// Config controls the extractor worker.
type Config struct {
	Markers           Markers
	ContinuationToken string
	PollInterval      time.Duration
	Mirror            io.Writer
	MirrorMode        MirrorMode
	// OnReady is called once for every ready prompt observed. It must not block.
	OnReady func()
	Logger  *slog.Logger
}

// Stats describes what the extractor did.
type Stats struct {
	Segments int
	Skipped  int
	Bytes    int64
}

// Run reads the terminal channel until ctx is done, the channel closes, or
// childDone is closed and a poll returns no data. Each completed response is
// appended to sink as an output event.
func Run(ctx context.Context, ch ttyio.Reader, sink model.EventSink, cfg Config, childDone <-chan struct{}) (Stats, error) {
	var stats Stats

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	cont := cfg.ContinuationToken
	if cont == "" {
		cont = DefaultContinuationToken
	}
	mirror := cfg.Mirror
	if mirror == nil || cfg.MirrorMode == MirrorOff {
		mirror = io.Discard
	}

	ex, err := New(cfg.Markers)
	if err != nil {
		return stats, err
	}

	var (
		dec decoder
		st  stripper
		buf = make([]byte, readSize)
	)
	for {
		if ctx.Err() != nil {
			return stats, nil
		}

		n, readErr := ch.ReadTimeout(buf, poll)
		if n > 0 {
			stats.Bytes += int64(n)
			text, decErr := dec.decode(buf[:n])
			if decErr != nil {
				return stats, decErr
			}
			if cfg.MirrorMode == MirrorRaw || cfg.MirrorMode == "" {
				if _, err := io.WriteString(mirror, text); err != nil {
					logger.Debug("mirror output", "error", err)
				}
			}

			clean := st.strip(text)
			if cfg.MirrorMode == MirrorStripped {
				if _, err := io.WriteString(mirror, clean); err != nil {
					logger.Debug("mirror output", "error", err)
				}
			}

			if strings.Contains(clean, cont) {
				stats.Skipped++
				logger.Debug("skip continuation chunk", "bytes", n)
			} else if clean != "" {
				out := ex.Feed(clean)
				for _, seg := range out.Segments {
					if _, err := sink.Append(model.EventOutput, seg); err != nil {
						return stats, fmt.Errorf("append output event: %w", err)
					}
					stats.Segments++
					logger.Debug("response captured", "chars", len(seg), "pending", ex.Pending())
				}
				for range out.Ready {
					if cfg.OnReady != nil {
						cfg.OnReady()
					}
				}
			}
		}

		if readErr != nil {
			if ttyio.IsClosed(readErr) {
				logger.Debug("channel closed", "segments", stats.Segments)
				return stats, nil
			}
			return stats, fmt.Errorf("read channel: %w", readErr)
		}

		if n == 0 && childExited(childDone) {
			logger.Debug("child exited and channel drained", "segments", stats.Segments)
			return stats, nil
		}
	}
}

func childExited(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// IsDecodeError reports whether err came from invalid terminal output.
func IsDecodeError(err error) bool {
	var de *model.DecodeError
	return errors.As(err, &de)
}
