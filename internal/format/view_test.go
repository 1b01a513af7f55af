package format

import (
	"strings"
	"testing"
	"time"

	"ttyprof/internal/model"
)

func TestRenderEventLinesWraps(t *testing.T) {
	event := model.Event{
		Kind: model.EventOutput,
		Text: "one two three four five six",
	}

	lines := RenderEventLines(event, "<br>", 10)
	if len(lines) < 2 {
		t.Fatalf("expected wrapped lines, got %v", lines)
	}
	if strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("first line should contain text: %v", lines)
	}
}

func TestRenderEventLinesExpandsLineBreaks(t *testing.T) {
	event := model.Event{Kind: model.EventOutput, Text: "first<br>second<br><br>fourth"}
	lines := RenderEventLines(event, "<br>", 0)
	want := []string{"first", "second", "", "fourth"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, lines)
	}
}

func TestRenderEvent(t *testing.T) {
	event := model.Event{
		Kind:      model.EventInput,
		Timestamp: time.Date(2025, 10, 25, 12, 0, 0, 500, time.UTC),
		Text:      "why is the sky blue?",
	}
	got := RenderEvent(event, "<br>", 80)
	want := "[2025-10-25 12:00:00.000000][input]\nwhy is the sky blue?"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
