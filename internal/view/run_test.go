package view

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ttyprof/internal/model"
	"ttyprof/internal/store"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, store.EventLogFile), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return dir
}

func sampleLog(t *testing.T) string {
	return writeLog(t,
		"2025-10-27 12:00:00.000000|||input|||why is the sky blue?",
		"2025-10-27 12:00:04.250000|||output|||Rayleigh scattering.<br>Shorter wavelengths scatter more.",
		"2025-10-27 12:00:10.000000|||input|||thanks",
		"2025-10-27 12:00:11.500000|||output|||You're welcome!",
	)
}

func TestParseKindArg(t *testing.T) {
	kinds, err := parseKindArg("output")
	if err != nil {
		t.Fatalf("parseKindArg returned error: %v", err)
	}
	if _, ok := kinds[model.EventOutput]; !ok || len(kinds) != 1 {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	if kinds, err := parseKindArg("all"); err != nil || kinds != nil {
		t.Fatalf("all should disable filtering, got %v, %v", kinds, err)
	}
	if _, err := parseKindArg("input,unknown"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRunFormatText(t *testing.T) {
	var buf bytes.Buffer
	err := Run(Options{Dir: sampleLog(t), Format: "text", LineBreak: "<br>", Out: &buf, ForceNoColor: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[#001] input | 2025-10-27 12:00:00.000000") {
		t.Fatalf("missing first header: %s", out)
	}
	if !strings.Contains(out, "| Rayleigh scattering.\n| Shorter wavelengths scatter more.\n") {
		t.Fatalf("line breaks not expanded: %s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected color codes: %q", out)
	}
}

func TestRunFormatRawWithFilterAndMax(t *testing.T) {
	var buf bytes.Buffer
	err := Run(Options{Dir: sampleLog(t), Format: "raw", KindArg: "output", MaxEvents: 1, Out: &buf})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := "2025-10-27 12:00:11.500000|||output|||You're welcome!\n"
	if buf.String() != want {
		t.Fatalf("raw output mismatch\nwant: %q\ngot:  %q", want, buf.String())
	}
}

func TestRunFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(Options{Dir: sampleLog(t), Format: "json", Out: &buf}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	var items []jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &items); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(items) != 4 || items[1].Kind != "output" || items[1].Timestamp != "2025-10-27 12:00:04.250000" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestRunWarnsOnTornLine(t *testing.T) {
	dir := writeLog(t,
		"2025-10-27 12:00:00.000000|||input|||hello",
		"2025-10-27 12:00:0",
	)
	var out, warn bytes.Buffer
	if err := Run(Options{Dir: dir, Format: "raw", Out: &out, Warn: &warn}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if strings.Count(out.String(), "\n") != 1 || !strings.Contains(warn.String(), "warning:") {
		t.Fatalf("unexpected output %q / warnings %q", out.String(), warn.String())
	}
}

func TestRunRawFile(t *testing.T) {
	dir := sampleLog(t)
	var buf bytes.Buffer
	if err := Run(Options{Dir: dir, RawFile: true, Out: &buf}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want, _ := os.ReadFile(filepath.Join(dir, store.EventLogFile))
	if buf.String() != string(want) {
		t.Fatal("raw file output differs from log")
	}
}

func TestRunUnsupportedFormat(t *testing.T) {
	if err := Run(Options{Dir: sampleLog(t), Format: "xml", Out: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestEventRingKeepsNewest(t *testing.T) {
	ring := newEventRing(2)
	for _, text := range []string{"a", "b", "c"} {
		ring.push(model.Event{Text: text})
	}
	got := ring.slice()
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
}

func TestRenderChatLinesAlignment(t *testing.T) {
	events := []model.Event{
		{
			Kind:      model.EventInput,
			Timestamp: time.Date(2025, 10, 27, 12, 0, 0, 0, time.UTC),
			Text:      "hello there",
		},
		{
			Kind:      model.EventOutput,
			Timestamp: time.Date(2025, 10, 27, 12, 0, 5, 0, time.UTC),
			Text:      "hi, how can I help you today?<br>Ask me anything.",
		},
	}

	lines := renderChatTranscript(events, 80, "<br>", false)
	if len(lines) == 0 {
		t.Fatal("expected chat lines")
	}

	inputTop := findPrefix(lines, "╭")
	if inputTop < 0 {
		t.Fatalf("failed to locate input bubble: %v", lines)
	}

	next := findPrefix(lines[inputTop+1:], "╭")
	if next < 0 {
		t.Fatalf("failed to locate output bubble: %v", lines)
	}
	outputTop := next + inputTop + 1

	if idx := strings.Index(lines[inputTop], "╭"); idx <= 2 {
		t.Fatalf("input bubble should be right aligned, got index %d line %q", idx, lines[inputTop])
	}

	if !strings.HasPrefix(lines[outputTop], "  ╭") {
		t.Fatalf("output bubble should be left aligned: %q", lines[outputTop])
	}
	if findPrefix(lines, "| Ask me anything.") < 0 {
		t.Fatalf("line break not rendered in bubble: %v", lines)
	}
}

func TestTruncateToWidthKeepsColor(t *testing.T) {
	colored := colorize(true, ansiInput, "abcdef")
	got := truncateToWidth(colored, 3)
	if visibleWidth(got) != 3 || !strings.HasPrefix(got, ansiInput) {
		t.Fatalf("unexpected truncation: %q", got)
	}
}

func findPrefix(lines []string, prefix string) int {
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) || strings.Contains(line, prefix) {
			return i
		}
	}
	return -1
}
