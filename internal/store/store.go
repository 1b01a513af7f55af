// Package store provides the on-disk layout of profiling sessions: the
// append-only logs written during a session and their enumeration afterwards.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"ttyprof/internal/model"
)

// File names inside a session directory.
const (
	EventLogFile    = "input_response_file.csv"
	CPUFile         = "cpu_usage.csv"
	MemoryFile      = "memory_usage.csv"
	MetaFile        = "session.json"
	DiagnosticsFile = "profiler.log"
)

const dirTimeLayout = "2006-01-02_15-04-05"

var (
	errStop     = errors.New("stop iteration")
	unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// NewSessionDir creates root/<label>/<start> for a session of command and
// returns the directory and the session id ("<label>/<start>"). The label is
// the last word of the command, which for model runners is the model name.
func NewSessionDir(root, command string, start time.Time) (dir, id string, err error) {
	if root == "" {
		return "", "", errors.New("output root is required")
	}
	label := commandLabel(command)
	stamp := start.Format(dirTimeLayout)
	dir = filepath.Join(root, label, stamp)
	for n := 2; ; n++ {
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			break
		}
		stamp = fmt.Sprintf("%s-%d", start.Format(dirTimeLayout), n)
		dir = filepath.Join(root, label, stamp)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, label + "/" + stamp, nil
}

func commandLabel(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "session"
	}
	label := strings.Trim(unsafeLabel.ReplaceAllString(filepath.Base(fields[len(fields)-1]), "_"), "._")
	if label == "" {
		return "session"
	}
	return label
}

// ListOptions controls how sessions are enumerated.
type ListOptions struct {
	Root    string
	Command string
	After   *time.Time
	Before  *time.Time
	Limit   int
}

// ListResult contains session summaries and non-fatal warnings.
type ListResult struct {
	Summaries []model.SessionSummary
	Warnings  []error
}

// ListSessions enumerates sessions under Root, newest first.
func ListSessions(opts ListOptions) (ListResult, error) {
	root := opts.Root
	if root == "" {
		return ListResult{}, errors.New("root directory is required")
	}

	var result ListResult

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			result.Warnings = append(result.Warnings, fmt.Errorf("walk %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() || d.Name() != MetaFile {
			return nil
		}

		dir := filepath.Dir(path)
		meta, err := ReadMeta(dir)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Errorf("%s: %w", dir, err))
			return nil
		}
		meta.Dir = dir

		if opts.Command != "" && !strings.Contains(meta.Command, opts.Command) {
			return nil
		}
		if opts.After != nil && meta.StartedAt.Before(*opts.After) {
			return nil
		}
		if opts.Before != nil && meta.StartedAt.After(*opts.Before) {
			return nil
		}

		summary, warnings := Summarize(meta)
		result.Warnings = append(result.Warnings, warnings...)
		result.Summaries = append(result.Summaries, summary)
		return nil
	})
	if err != nil {
		return result, err
	}

	sort.Slice(result.Summaries, func(i, j int) bool {
		return result.Summaries[i].StartedAt.After(result.Summaries[j].StartedAt)
	})

	if opts.Limit > 0 && len(result.Summaries) > opts.Limit {
		result.Summaries = result.Summaries[:opts.Limit]
	}

	return result, nil
}

// Summarize derives a SessionSummary from a session's metadata and logs.
// Missing or partial logs produce warnings, never an error.
func Summarize(meta model.SessionMeta) (model.SessionSummary, []error) {
	summary := model.SessionSummary{
		ID:        meta.ID,
		Dir:       meta.Dir,
		Command:   meta.Command,
		StartedAt: meta.StartedAt,
	}
	var warnings []error
	lastTimestamp := meta.EndedAt

	events, eventWarnings, err := ReadEvents(filepath.Join(meta.Dir, EventLogFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		warnings = append(warnings, fmt.Errorf("%s: %w", meta.Dir, err))
	}
	warnings = append(warnings, eventWarnings...)
	for _, event := range events {
		switch event.Kind {
		case model.EventInput:
			summary.Inputs++
		case model.EventOutput:
			summary.Outputs++
		}
		if event.Timestamp.After(lastTimestamp) {
			lastTimestamp = event.Timestamp
		}
	}

	samples, sampleWarnings, err := ReadSamples(meta.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		warnings = append(warnings, fmt.Errorf("%s: %w", meta.Dir, err))
	}
	warnings = append(warnings, sampleWarnings...)
	summary.Samples = len(samples)
	for _, sample := range samples {
		summary.PeakCPU = max(summary.PeakCPU, sample.CPUPercent)
		summary.PeakResidentMB = max(summary.PeakResidentMB, sample.ResidentMB)
		if sample.Timestamp.After(lastTimestamp) {
			lastTimestamp = sample.Timestamp
		}
	}

	summary.DurationSeconds = durationSeconds(meta.StartedAt, lastTimestamp)
	return summary, warnings
}

// FindSessionPath resolves a session id to its directory under root.
func FindSessionPath(root, id string) (string, error) {
	if root == "" {
		return "", errors.New("root directory is required")
	}
	if id == "" {
		return "", errors.New("session id is required")
	}

	candidate := filepath.Join(root, filepath.FromSlash(id))
	if _, err := os.Stat(filepath.Join(candidate, MetaFile)); err == nil {
		return candidate, nil
	}

	var matched string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() || d.Name() != MetaFile {
			return nil
		}
		meta, err := ReadMeta(filepath.Dir(path))
		if err != nil {
			return nil
		}
		if meta.ID == id {
			matched = filepath.Dir(path)
			return errStop
		}
		return nil
	})

	if matched != "" {
		return matched, nil
	}
	if err != nil && !errors.Is(err, errStop) {
		return "", err
	}
	return "", fmt.Errorf("session id %s not found under %s", id, root)
}

func durationSeconds(start, end time.Time) int {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Seconds())
}
