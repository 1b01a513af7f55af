package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ttyprof/internal/model"
)

var (
	cpuHeader    = []string{"Timestamp", "CPU Usage (%)"}
	memoryHeader = []string{"Timestamp", "Memory Usage (MB)", "Virtual Memory Usage (MB)"}
)

// ResourceLog writes the two resource CSV files of a session. It is owned by
// a single sampler and needs no locking.
type ResourceLog struct {
	cpu    *os.File
	memory *os.File
	last   time.Time

	// Now stamps samples that arrive without a timestamp.
	Now func() time.Time
}

// CreateResourceLog creates cpu_usage.csv and memory_usage.csv in dir and
// writes their header rows.
func CreateResourceLog(dir string) (*ResourceLog, error) {
	cpu, err := createCSV(filepath.Join(dir, CPUFile), cpuHeader)
	if err != nil {
		return nil, err
	}
	memory, err := createCSV(filepath.Join(dir, MemoryFile), memoryHeader)
	if err != nil {
		cpu.Close()
		return nil, err
	}
	return &ResourceLog{cpu: cpu, memory: memory, Now: time.Now}, nil
}

func createCSV(path string, header []string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(encodeRow(header)); err != nil {
		file.Close()
		return nil, fmt.Errorf("write %s header: %w", filepath.Base(path), err)
	}
	return file, nil
}

// AppendSample writes one row to each file. Timestamps are forced to be
// strictly increasing.
func (l *ResourceLog) AppendSample(sample model.ResourceSample) (model.ResourceSample, error) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = l.Now()
	}
	sample.Timestamp = sample.Timestamp.Round(0).Truncate(time.Microsecond)
	if !sample.Timestamp.After(l.last) && !l.last.IsZero() {
		sample.Timestamp = l.last.Add(time.Microsecond)
	}

	ts := sample.Timestamp.Format(model.TimestampLayout)
	cpuRow := encodeRow([]string{ts, formatFloat(sample.CPUPercent)})
	memoryRow := encodeRow([]string{ts, formatFloat(sample.ResidentMB), formatFloat(sample.VirtualMB)})

	info, err := l.cpu.Stat()
	if err != nil {
		return sample, fmt.Errorf("stat cpu log: %w", err)
	}
	if _, err := l.cpu.Write(cpuRow); err != nil {
		return sample, fmt.Errorf("append cpu row: %w", err)
	}
	if _, err := l.memory.Write(memoryRow); err != nil {
		// Drop the cpu row so both files keep the same samples.
		if truncErr := l.cpu.Truncate(info.Size()); truncErr != nil {
			err = errors.Join(err, truncErr)
		}
		return sample, fmt.Errorf("append memory row: %w", err)
	}
	l.last = sample.Timestamp
	return sample, nil
}

// Close closes both files.
func (l *ResourceLog) Close() error {
	return errors.Join(l.cpu.Close(), l.memory.Close())
}

func encodeRow(fields []string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(fields)
	w.Flush()
	return buf.Bytes()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
