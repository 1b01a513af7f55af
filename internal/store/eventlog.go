package store

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"ttyprof/internal/model"
)

// FieldDelimiter separates fields in the input/response log.
const FieldDelimiter = "|||"

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// EventLog is the append-only input/response log shared by the input relay
// and the output extractor. One mutex serializes the stamp-and-write step, so
// the order of lines in the file matches the order of their timestamps.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
	last time.Time

	// Now is the clock used to stamp events. Tests replace it.
	Now func() time.Time
}

// OpenEventLog opens (or creates) path for appending.
func OpenEventLog(path string) (*EventLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{file: file, Now: time.Now}, nil
}

// Append stamps an event with the current time and writes it as one line.
// The stamp never goes backwards even if the wall clock does.
func (l *EventLog) Append(kind model.EventKind, text string) (model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.Now().Round(0).Truncate(time.Microsecond)
	if ts.Before(l.last) {
		ts = l.last
	}
	event := model.Event{Timestamp: ts, Kind: kind, Text: lineBreaks.Replace(text)}

	// A single write on an O_APPEND file keeps a line whole even if the
	// process dies mid-session.
	if _, err := l.file.WriteString(FormatEventLine(event)); err != nil {
		return model.Event{}, fmt.Errorf("append %s event: %w", kind, err)
	}
	l.last = ts
	return event, nil
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// FormatEventLine renders event as a newline-terminated log line.
func FormatEventLine(event model.Event) string {
	return event.Timestamp.Format(model.TimestampLayout) + FieldDelimiter +
		string(event.Kind) + FieldDelimiter + event.Text + "\n"
}

// ParseEventLine is the inverse of FormatEventLine. The text field may itself
// contain the delimiter.
func ParseEventLine(line string) (model.Event, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), FieldDelimiter, 3)
	if len(parts) != 3 {
		return model.Event{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	ts, err := parseTimestamp(parts[0])
	if err != nil {
		return model.Event{}, err
	}
	kind := model.EventKind(parts[1])
	switch kind {
	case model.EventInput, model.EventOutput:
	default:
		return model.Event{}, fmt.Errorf("unknown event kind %q", parts[1])
	}
	return model.Event{Timestamp: ts, Kind: kind, Text: parts[2]}, nil
}

func parseTimestamp(value string) (time.Time, error) {
	ts, err := time.ParseInLocation(model.TimestampLayout, strings.TrimSpace(value), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return ts, nil
}
