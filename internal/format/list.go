// Package format provides formatting and rendering functions for session data.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"

	"ttyprof/internal/model"
)

const commandWidth = 48

// WriteSummaries writes session summaries to w in the requested format.
func WriteSummaries(w io.Writer, items []model.SessionSummary, includeHeader bool, format string) error {
	format = strings.ToLower(format)
	switch format {
	case "", "table":
		return writeSummariesTable(w, items, includeHeader)
	case "plain":
		return writeSummariesPlain(w, items, includeHeader)
	case "json":
		return writeJSON(w, items)
	case "jsonl":
		return writeJSONL(w, items)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeSummariesPlain(w io.Writer, items []model.SessionSummary, includeHeader bool) error {
	if includeHeader {
		if _, err := fmt.Fprintln(w, "started_at\tsession_id\tcommand\tduration\tinputs\toutputs\tsamples\tpeak_cpu\tpeak_rss_mb"); err != nil {
			return err
		}
	}

	for _, item := range items {
		line := fmt.Sprintf(
			"%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.1f\t%.1f",
			item.StartedAt.Format(time.RFC3339),
			item.ID,
			escapeNewlines(item.Command),
			formatDuration(item.DurationSeconds),
			item.Inputs,
			item.Outputs,
			item.Samples,
			item.PeakCPU,
			item.PeakResidentMB,
		)
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON[T any](w io.Writer, items []T) error {
	if items == nil {
		items = []T{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func writeJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func escapeNewlines(text string) string {
	return strings.ReplaceAll(text, "\n", "\\n")
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = true
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true
	return tw
}

func writeSummariesTable(w io.Writer, items []model.SessionSummary, includeHeader bool) error {
	tw := newTable(w)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 6, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 7, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 8, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 9, Align: text.AlignRight, AlignHeader: text.AlignCenter},
	})

	if includeHeader {
		tw.AppendHeader(table.Row{"Started", "Session ID", "Command", "Duration", "Inputs", "Outputs", "Samples", "Peak CPU %", "Peak RSS MB"})
	}

	for _, item := range items {
		tw.AppendRow(table.Row{
			item.StartedAt.Format(time.RFC3339),
			item.ID,
			Clip(escapeNewlines(item.Command), commandWidth),
			formatDuration(item.DurationSeconds),
			item.Inputs,
			item.Outputs,
			item.Samples,
			fmt.Sprintf("%.1f", item.PeakCPU),
			fmt.Sprintf("%.1f", item.PeakResidentMB),
		})
	}

	if len(items) == 0 {
		tw.AppendRow(table.Row{"-", "(no sessions)", "-", "00:00:00", 0, 0, 0, "-", "-"})
	}

	_ = tw.Render()
	return nil
}

// Clip shortens text to at most width terminal cells, marking the cut with
// an ellipsis. Wide characters count as two cells.
func Clip(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "00:00:00"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
