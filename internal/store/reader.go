package store

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ttyprof/internal/model"
)

// ReadEvents loads every well-formed line of the input/response log at path.
// Malformed lines (for example a line torn by a crash) are returned as
// warnings rather than failing the whole read.
func ReadEvents(path string) ([]model.Event, []error, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close() //nolint:errcheck

	var (
		events   []model.Event
		warnings []error
		lineNo   int
	)
	scanner := newScanner(file)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		event, err := ParseEventLine(line)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s:%d: %w", filepath.Base(path), lineNo, err))
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, warnings, fmt.Errorf("scan event log: %w", err)
	}
	return events, warnings, nil
}

// IterateEvents walks the event log and calls fn for each decoded event.
// Returning an error from fn stops the iteration.
func IterateEvents(path string, fn func(model.Event) error) error {
	events, _, err := ReadEvents(path)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := fn(event); err != nil {
			return err
		}
	}
	return nil
}

// ReadSamples loads the resource CSV files in dir and joins CPU and memory
// rows by position. A trailing row present in only one file is reported as a
// warning.
func ReadSamples(dir string) ([]model.ResourceSample, []error, error) {
	cpuRows, err := readCSV(filepath.Join(dir, CPUFile), len(cpuHeader))
	if err != nil {
		return nil, nil, err
	}
	memoryRows, err := readCSV(filepath.Join(dir, MemoryFile), len(memoryHeader))
	if err != nil {
		return nil, nil, err
	}

	var warnings []error
	count := len(cpuRows)
	if len(memoryRows) != count {
		warnings = append(warnings, fmt.Errorf("cpu and memory logs differ in length (%d vs %d)", len(cpuRows), len(memoryRows)))
		count = min(count, len(memoryRows))
	}

	samples := make([]model.ResourceSample, 0, count)
	for i := 0; i < count; i++ {
		sample, err := joinRows(cpuRows[i], memoryRows[i])
		if err != nil {
			warnings = append(warnings, fmt.Errorf("row %d: %w", i+1, err))
			continue
		}
		samples = append(samples, sample)
	}
	return samples, warnings, nil
}

func joinRows(cpu, memory []string) (model.ResourceSample, error) {
	if cpu[0] != memory[0] {
		return model.ResourceSample{}, fmt.Errorf("timestamp mismatch %q vs %q", cpu[0], memory[0])
	}
	ts, err := parseTimestamp(cpu[0])
	if err != nil {
		return model.ResourceSample{}, err
	}
	values := make([]float64, 0, 3)
	for _, field := range []string{cpu[1], memory[1], memory[2]} {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return model.ResourceSample{}, fmt.Errorf("parse value %q: %w", field, err)
		}
		values = append(values, v)
	}
	return model.ResourceSample{
		Timestamp:  ts,
		CPUPercent: values[0],
		ResidentMB: values[1],
		VirtualMB:  values[2],
	}, nil
}

func readCSV(path string, fields int) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close() //nolint:errcheck

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	var rows [][]string
	header := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A torn final row is the only expected parse failure.
			break
		}
		if header {
			header = false
			continue
		}
		if len(record) != fields {
			continue
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func newScanner(file *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(file)
	// Responses can be long single lines.
	const maxCapacity = 8 * 1024 * 1024
	buf := make([]byte, 1024)
	scanner.Buffer(buf, maxCapacity)
	return scanner
}
