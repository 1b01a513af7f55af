package format

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"ttyprof/internal/model"
)

// RenderEventLines returns the body lines for a logged event. The line-break
// token written by the extractor becomes a real line break again.
func RenderEventLines(event model.Event, lineBreak string, wrapWidth int) []string {
	body := event.Text
	if lineBreak != "" {
		body = strings.ReplaceAll(body, lineBreak, "\n")
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		lines = append(lines, strings.Split(wrapBody(strings.TrimRight(line, " "), wrapWidth), "\n")...)
	}
	return lines
}

// RenderEvent converts an event into a printable block with a header line.
func RenderEvent(event model.Event, lineBreak string, wrapWidth int) string {
	label := string(event.Kind)
	if label == "" {
		label = "event"
	}
	lines := RenderEventLines(event, lineBreak, wrapWidth)
	return fmt.Sprintf("[%s][%s]\n%s", event.Timestamp.Format(model.TimestampLayout), label, strings.Join(lines, "\n"))
}

func wrapBody(text string, width int) string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if runewidth.StringWidth(current)+1+runewidth.StringWidth(word) > width {
			lines = append(lines, current)
			current = word
		} else {
			current += " " + word
		}
	}
	lines = append(lines, current)

	return strings.Join(lines, "\n")
}
