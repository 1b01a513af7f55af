// Package view renders the exchange transcript of a recorded session.
package view

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"ttyprof/internal/format"
	"ttyprof/internal/model"
	"ttyprof/internal/store"
)

// Options defines the configurable parameters for rendering a view.
type Options struct {
	Dir          string
	Format       string
	Wrap         int
	MaxEvents    int
	KindArg      string
	LineBreak    string
	ForceColor   bool
	ForceNoColor bool
	RawFile      bool
	Out          io.Writer
	OutFile      *os.File
	Warn         io.Writer
}

// Run renders a session's input/response log according to opts.
func Run(opts Options) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Warn == nil {
		opts.Warn = io.Discard
	}
	path := filepath.Join(opts.Dir, store.EventLogFile)

	if opts.RawFile {
		return copyFile(opts.Out, path)
	}

	kinds, err := parseKindArg(opts.KindArg)
	if err != nil {
		return err
	}

	formatMode := strings.ToLower(opts.Format)
	if formatMode == "" {
		formatMode = "text"
	}

	all, warnings, err := store.ReadEvents(path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(opts.Warn, "warning: %v\n", w)
	}

	ring := newEventRing(opts.MaxEvents)
	var events []model.Event
	for _, event := range all {
		if kinds != nil {
			if _, ok := kinds[event.Kind]; !ok {
				continue
			}
		}
		if opts.MaxEvents > 0 {
			ring.push(event)
		} else {
			events = append(events, event)
		}
	}
	if opts.MaxEvents > 0 {
		events = ring.slice()
	}

	switch formatMode {
	case "text":
		useColor := resolveColorChoice(opts)
		for idx, event := range events {
			if idx > 0 {
				fmt.Fprintln(opts.Out)
			}
			printEvent(opts.Out, event, idx+1, opts.Wrap, opts.LineBreak, useColor)
		}
		return nil

	case "raw":
		for _, event := range events {
			if _, err := io.WriteString(opts.Out, store.FormatEventLine(event)); err != nil {
				return err
			}
		}
		return nil

	case "json":
		return writeJSON(opts.Out, events)

	case "chat":
		if len(events) == 0 {
			return nil
		}
		colorEnabled := resolveColorChoice(opts)
		width := determineWidth(opts.OutFile, opts.Wrap)
		lines := renderChatTranscript(events, width, opts.LineBreak, colorEnabled)
		if opts.OutFile != nil && isatty.IsTerminal(opts.OutFile.Fd()) {
			return pipeThroughPager(lines, colorEnabled)
		}
		return writeLines(opts.Out, lines)

	default:
		return fmt.Errorf("unsupported format: %s", opts.Format)
	}
}

type jsonEvent struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
}

func writeJSON(out io.Writer, events []model.Event) error {
	items := make([]jsonEvent, 0, len(events))
	for _, event := range events {
		items = append(items, jsonEvent{
			Timestamp: event.Timestamp.Format(model.TimestampLayout),
			Kind:      string(event.Kind),
			Text:      event.Text,
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func parseKindArg(arg string) (map[model.EventKind]struct{}, error) {
	values := parseCSV(arg)
	if len(values) == 0 || len(values) == 1 && values[0] == "all" {
		return nil, nil
	}
	set := make(map[model.EventKind]struct{}, len(values))
	for _, token := range values {
		switch kind := model.EventKind(token); kind {
		case model.EventInput, model.EventOutput:
			set[kind] = struct{}{}
		default:
			return nil, fmt.Errorf("unknown event kind %q", token)
		}
	}
	return set, nil
}

func parseCSV(arg string) []string {
	if strings.TrimSpace(arg) == "" {
		return nil
	}
	parts := strings.Split(arg, ",")
	output := make([]string, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(strings.ToLower(part))
		if token != "" {
			output = append(output, token)
		}
	}
	return output
}

type eventRing struct {
	data   []model.Event
	start  int
	length int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		return &eventRing{}
	}
	return &eventRing{data: make([]model.Event, capacity)}
}

func (r *eventRing) push(event model.Event) {
	if len(r.data) == 0 {
		return
	}
	idx := (r.start + r.length) % len(r.data)
	r.data[idx] = event
	if r.length < len(r.data) {
		r.length++
		return
	}
	r.start = (r.start + 1) % len(r.data)
}

func (r *eventRing) slice() []model.Event {
	if r.length == 0 {
		return nil
	}
	result := make([]model.Event, r.length)
	for i := 0; i < r.length; i++ {
		result[i] = r.data[(r.start+i)%len(r.data)]
	}
	return result
}

func determineWidth(out *os.File, wrap int) int {
	if wrap > 0 {
		return wrap
	}
	if out != nil {
		if w, _, err := term.GetSize(int(out.Fd())); err == nil && w > 0 {
			return w
		}
	}
	if colsStr := os.Getenv("COLUMNS"); colsStr != "" {
		if v, err := strconv.Atoi(colsStr); err == nil && v > 0 {
			return v
		}
	}
	return 80
}

func pipeThroughPager(lines []string, colorEnabled bool) error {
	text := strings.Join(lines, "\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	pagerCmd := os.Getenv("PAGER")
	var cmd *exec.Cmd
	if pagerCmd == "" {
		args := []string{"less"}
		if colorEnabled {
			args = append(args, "-R")
		}
		cmd = exec.Command(args[0], args[1:]...) // #nosec G204
	} else {
		cmd = exec.Command("sh", "-c", pagerCmd) // #nosec G204
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create pager pipe: %w", err)
	}
	go func() {
		defer stdin.Close()
		io.WriteString(stdin, text) //nolint:errcheck
	}()

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run pager: %w", err)
	}

	return nil
}

func writeLines(out io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func printEvent(out io.Writer, event model.Event, index int, wrap int, lineBreak string, useColor bool) {
	kindLabel := string(event.Kind)
	if kindLabel == "" {
		kindLabel = "event"
	}

	ts := "-"
	if !event.Timestamp.IsZero() {
		ts = event.Timestamp.Format(model.TimestampLayout)
	}
	headerPlain := fmt.Sprintf("[#%03d] %s | %s", index, kindLabel, ts)

	indexText := fmt.Sprintf("#%03d", index)
	kindText := kindLabel
	tsText := ts
	separator := "|"

	if useColor {
		indexText = colorize(true, ansiBoldWhite, indexText)
		kindText = colorize(true, kindColor(event.Kind), kindText)
		tsText = colorize(true, ansiTimestamp, tsText)
		separator = colorize(true, ansiSeparator, "|")
	}

	header := fmt.Sprintf("[%s] %s %s %s", indexText, kindText, separator, tsText)
	fmt.Fprintln(out, header)
	fmt.Fprintln(out, strings.Repeat("-", len(headerPlain)))

	lines := format.RenderEventLines(event, lineBreak, wrap)
	if len(lines) == 0 {
		prefix := "|"
		if useColor {
			prefix = colorize(true, ansiSeparator, "|")
		}
		fmt.Fprintf(out, "%s %s\n", prefix, "(empty)")
		return
	}
	linePrefix := "| "
	emptyPrefix := "|"
	if useColor {
		separatorColor := colorize(true, ansiSeparator, "|")
		linePrefix = separatorColor + " "
		emptyPrefix = separatorColor
	}
	for _, line := range lines {
		if line == "" {
			fmt.Fprintln(out, emptyPrefix)
			continue
		}
		fmt.Fprintf(out, "%s%s\n", linePrefix, line)
	}
}

const (
	ansiReset     = "\x1b[0m"
	ansiBoldWhite = "\x1b[1;97m"
	ansiTimestamp = "\x1b[38;5;245m"
	ansiSeparator = "\x1b[38;5;240m"
	ansiOutput    = "\x1b[38;5;44m"
	ansiInput     = "\x1b[38;5;220m"
)

func colorize(enabled bool, code string, text string) string {
	if !enabled {
		return text
	}
	return code + text + ansiReset
}

func kindColor(kind model.EventKind) string {
	switch kind {
	case model.EventOutput:
		return ansiOutput
	case model.EventInput:
		return ansiInput
	default:
		return ansiSeparator
	}
}

func resolveColorChoice(opts Options) bool {
	if opts.ForceColor {
		return true
	}
	if opts.ForceNoColor {
		return false
	}
	return shouldUseColorAuto(opts.Out)
}

func shouldUseColorAuto(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func copyFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(dst, f)
	return err
}
