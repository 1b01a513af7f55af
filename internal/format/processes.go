package format

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"ttyprof/internal/model"
)

const bytesPerMB = 1024 * 1024

// WriteProcesses writes process-table rows to w. The yaml format emits a
// sampler.helpers snippet ready to paste into a config file.
func WriteProcesses(w io.Writer, procs []model.ProcessUsage, includeHeader bool, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		return writeProcessesTable(w, procs, includeHeader)
	case "plain":
		return writeProcessesPlain(w, procs, includeHeader)
	case "json":
		return writeJSON(w, procs)
	case "yaml":
		return writeHelpersYAML(w, procs)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeProcessesPlain(w io.Writer, procs []model.ProcessUsage, includeHeader bool) error {
	if includeHeader {
		if _, err := fmt.Fprintln(w, "pid\tname\tcpu\trss_mb\tvms_mb\tcmdline"); err != nil {
			return err
		}
	}
	for _, p := range procs {
		if _, err := fmt.Fprintf(w, "%d\t%s\t%.1f\t%.1f\t%.1f\t%s\n",
			p.PID, p.Name, p.CPUPercent, mb(p.RSSBytes), mb(p.VMSBytes), p.Cmdline); err != nil {
			return err
		}
	}
	return nil
}

func writeProcessesTable(w io.Writer, procs []model.ProcessUsage, includeHeader bool) error {
	tw := newTable(w)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 6, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
	})
	if includeHeader {
		tw.AppendHeader(table.Row{"PID", "Name", "CPU %", "RSS MB", "VMS MB", "Command Line"})
	}
	for _, p := range procs {
		tw.AppendRow(table.Row{
			p.PID,
			p.Name,
			fmt.Sprintf("%.1f", p.CPUPercent),
			fmt.Sprintf("%.1f", mb(p.RSSBytes)),
			fmt.Sprintf("%.1f", mb(p.VMSBytes)),
			Clip(p.Cmdline, commandWidth),
		})
	}
	if len(procs) == 0 {
		tw.AppendRow(table.Row{"-", "(no matching processes)", "-", "-", "-", "-"})
	}
	_ = tw.Render()
	return nil
}

type helpersSnippet struct {
	Sampler struct {
		Helpers []string `yaml:"helpers"`
	} `yaml:"sampler"`
}

func writeHelpersYAML(w io.Writer, procs []model.ProcessUsage) error {
	var snippet helpersSnippet
	seen := make(map[string]bool)
	for _, p := range procs {
		name := p.Cmdline
		if name == "" {
			name = p.Name
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		snippet.Sampler.Helpers = append(snippet.Sampler.Helpers, name)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snippet); err != nil {
		return err
	}
	return enc.Close()
}

func mb(b uint64) float64 {
	return float64(b) / bytesPerMB
}
