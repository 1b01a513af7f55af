// Package model provides the data types shared by the profiler's workers,
// log writers, and readers.
package model

import "time"

// TimestampLayout is the wall-clock layout used in every log file.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// EventKind distinguishes lines in the input/response log.
type EventKind string

const (
	// EventInput is a line typed by the operator (or a prompt script).
	EventInput EventKind = "input"
	// EventOutput is one completed response segment.
	EventOutput EventKind = "output"
)

// Event is one line of the input/response log.
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Text      string
}

// ResourceSample is one aggregated reading of the target and helper processes.
type ResourceSample struct {
	Timestamp    time.Time
	CPUPercent   float64
	ResidentMB   float64
	VirtualMB    float64
	ProcessCount int
}

// ProcessUsage is a single process as seen by the process table.
type ProcessUsage struct {
	PID        int
	Name       string
	Cmdline    string
	CPUPercent float64
	RSSBytes   uint64
	VMSBytes   uint64
}

// SessionMeta is persisted as session.json next to the logs.
type SessionMeta struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	Dir            string    `json:"dir"`
	PID            int       `json:"pid"`
	Helpers        []string  `json:"helpers,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	SamplerStop    string    `json:"sampler_stop,omitempty"`
	PeakProcesses  int       `json:"peak_processes,omitempty"`
	ExtractorError string    `json:"extractor_error,omitempty"`
}

// SessionSummary holds lightweight information about a finished session.
type SessionSummary struct {
	ID              string
	Dir             string
	Command         string
	StartedAt       time.Time
	DurationSeconds int
	Inputs          int
	Outputs         int
	Samples         int
	PeakCPU         float64
	PeakResidentMB  float64
}
