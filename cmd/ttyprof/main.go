package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ttyprof/internal/config"
	"ttyprof/internal/extract"
	"ttyprof/internal/format"
	"ttyprof/internal/logging"
	"ttyprof/internal/relay"
	"ttyprof/internal/sampler"
	"ttyprof/internal/session"
	"ttyprof/internal/store"
	"ttyprof/internal/view"
)

var configPath string

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ttyprof",
		Short:         "Profile interactive command-line programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default: $"+config.EnvVar+")")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newPsCmd())
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ttyprof: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	var (
		outputRoot    string
		promptsFile   string
		promptDelay   time.Duration
		promptTimeout time.Duration
		helpers       []string
		interval      time.Duration
		mirror        string
		startPattern  string
		endToken      string
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command...>",
		Short: "Run a command on a pseudo-terminal and profile the session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("output-root") {
				cfg.OutputRoot = outputRoot
			}
			if flags.Changed("helper") {
				cfg.Sampler.Helpers = helpers
			}
			if flags.Changed("interval") {
				cfg.Sampler.Interval = interval.String()
			}
			if flags.Changed("prompt-delay") {
				cfg.Script.PromptDelay = promptDelay.String()
			}
			if flags.Changed("prompt-timeout") {
				cfg.Script.PromptTimeout = promptTimeout.String()
			}
			if flags.Changed("mirror") {
				cfg.Mirror = mirror
			}
			if flags.Changed("start-pattern") {
				cfg.Markers.StartPattern = startPattern
			}
			if flags.Changed("end-token") {
				cfg.Markers.EndToken = endToken
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			durations, err := cfg.Durations()
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			mirrorMode, err := extract.ParseMirrorMode(cfg.Mirror)
			if err != nil {
				return err
			}
			logger := logging.New(cmd.ErrOrStderr(), level)

			opts := session.Options{
				Command:    strings.Join(args, " "),
				OutputRoot: cfg.OutputRoot,
				Extract: extract.Config{
					Markers: extract.Markers{
						StartPattern: cfg.Markers.StartPattern,
						EndToken:     cfg.Markers.EndToken,
						LineBreak:    cfg.Markers.LineBreak,
					},
					ContinuationToken: cfg.Markers.ContinuationToken,
					PollInterval:      durations.RelayPoll,
					Mirror:            cmd.OutOrStdout(),
					MirrorMode:        mirrorMode,
				},
				Relay: relay.Config{PollInterval: durations.RelayPoll},
				Sampler: sampler.Config{
					Interval:    durations.SamplerInterval,
					Backoff:     durations.SamplerBackoff,
					RetryBudget: cfg.Sampler.RetryBudget,
					Helpers:     cfg.Sampler.Helpers,
				},
				LogLevel: level,
			}

			if promptsFile != "" {
				prompts, err := relay.LoadPrompts(promptsFile)
				if err != nil {
					return err
				}
				if len(prompts) == 0 {
					return fmt.Errorf("no prompts found in %s", promptsFile)
				}
				opts.Script = relay.NewScript(prompts, relay.ScriptConfig{
					Delay:   durations.PromptDelay,
					Timeout: durations.PromptTimeout,
				})
				logger.Info("running prompt script", "prompts", len(prompts), "file", promptsFile)
			} else {
				terminal, err := relay.OpenTerminal(os.Stdin)
				if err != nil {
					return err
				}
				// The relay restores the terminal when it stops; this covers
				// failures before it starts.
				defer terminal.Close()
				opts.Input = terminal
				if terminal.Raw() {
					opts.Terminal = os.Stdin
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			result, err := session.Run(ctx, opts)
			if err != nil {
				return err
			}

			logger.Info("session finished",
				"dir", result.Meta.Dir,
				"inputs", result.Relay.Events,
				"outputs", result.Extract.Segments,
				"samples", result.Sampler.Samples,
				"sampler", result.Meta.SamplerStop,
			)
			if result.ExtractErr != nil {
				logger.Warn("output capture stopped early", "error", result.ExtractErr)
			}
			if result.SamplerErr != nil {
				logger.Warn("resource sampling stopped early", "error", result.SamplerErr)
			}
			if errors.Is(result.RelayErr, relay.ErrPromptTimeout) {
				return result.RelayErr
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&outputRoot, "output-root", "", "directory that receives one subdirectory per session")
	flags.StringVar(&promptsFile, "prompts", "", "type prompts from this file (separated by '|||') instead of relaying stdin")
	flags.DurationVar(&promptDelay, "prompt-delay", 5*time.Second, "pause between a response and the next scripted prompt")
	flags.DurationVar(&promptTimeout, "prompt-timeout", 2*time.Minute, "give up when a scripted prompt waits longer than this")
	flags.StringSliceVar(&helpers, "helper", nil, "command-line substring of a helper process to include in samples (repeatable)")
	flags.DurationVar(&interval, "interval", sampler.DefaultInterval, "resource sampling interval")
	flags.StringVar(&mirror, "mirror", "raw", "echo target output to stdout: raw, stripped, or off")
	flags.StringVar(&startPattern, "start-pattern", extract.DefaultStartPattern, "regular expression for the glyphs that open a response")
	flags.StringVar(&endToken, "end-token", extract.DefaultEndToken, "ready prompt that closes a response")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")

	return cmd
}

func newListCmd() *cobra.Command {
	var (
		command    string
		afterStr   string
		beforeStr  string
		limit      int
		formatFlag string
		noHeader   bool
		outputRoot string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions in reverse chronological order",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveOutputRoot(outputRoot)
			if err != nil {
				return err
			}

			var after, before *time.Time
			if afterStr != "" {
				t, err := time.Parse(time.RFC3339, afterStr)
				if err != nil {
					return fmt.Errorf("invalid --after value: %w", err)
				}
				after = &t
			}
			if beforeStr != "" {
				t, err := time.Parse(time.RFC3339, beforeStr)
				if err != nil {
					return fmt.Errorf("invalid --before value: %w", err)
				}
				before = &t
			}

			result, err := store.ListSessions(store.ListOptions{
				Root:    root,
				Command: command,
				After:   after,
				Before:  before,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			errs := cmd.ErrOrStderr()
			for _, warn := range result.Warnings {
				fmt.Fprintf(errs, "warning: %v\n", warn)
			}

			return format.WriteSummaries(cmd.OutOrStdout(), result.Summaries, !noHeader, strings.ToLower(formatFlag))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&command, "command", "", "only sessions whose command contains this text")
	flags.StringVar(&afterStr, "after", "", "include sessions starting on/after the given RFC3339 timestamp")
	flags.StringVar(&beforeStr, "before", "", "include sessions starting on/before the given RFC3339 timestamp")
	flags.IntVar(&limit, "limit", 0, "limit number of sessions returned (0 means no limit)")
	flags.StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or jsonl")
	flags.BoolVar(&noHeader, "no-header", false, "omit header row for table and plain output")
	flags.StringVar(&outputRoot, "output-root", "", "override the sessions directory")

	return cmd
}

func newShowCmd() *cobra.Command {
	var (
		kindArg      string
		raw          bool
		wrap         int
		maxEvents    int
		outputRoot   string
		formatFlag   string
		forceColor   bool
		forceNoColor bool
	)

	cmd := &cobra.Command{
		Use:   "show <session-id-or-dir>",
		Short: "Render a session's input/response transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputRoot != "" {
				cfg.OutputRoot = outputRoot
			}
			dir, err := resolveSessionDir(args[0], cfg.OutputRoot)
			if err != nil {
				return err
			}

			if forceColor && forceNoColor {
				return errors.New("--color and --no-color cannot be used together")
			}

			out := cmd.OutOrStdout()
			outFile, _ := out.(*os.File)
			return view.Run(view.Options{
				Dir:          dir,
				Format:       formatFlag,
				Wrap:         wrap,
				MaxEvents:    maxEvents,
				KindArg:      kindArg,
				LineBreak:    cfg.Markers.LineBreak,
				ForceColor:   forceColor,
				ForceNoColor: forceNoColor,
				RawFile:      raw,
				Out:          out,
				OutFile:      outFile,
				Warn:         cmd.ErrOrStderr(),
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&kindArg, "kind", "K", "", "comma-separated event kinds to include: input, output (default: all)")
	flags.BoolVar(&raw, "raw", false, "copy the log file without parsing it")
	flags.IntVar(&wrap, "wrap", 0, "wrap message body at the given column width")
	flags.IntVar(&maxEvents, "max", 0, "show only the most recent N events (0 means no limit)")
	flags.StringVar(&outputRoot, "output-root", "", "override the sessions directory")
	flags.StringVar(&formatFlag, "format", "text", "output format: text, chat, raw, or json")
	flags.BoolVar(&forceColor, "color", false, "force-enable ANSI colors even when stdout is not a TTY")
	flags.BoolVar(&forceNoColor, "no-color", false, "disable ANSI colors regardless of terminal detection")

	return cmd
}

type infoPayload struct {
	SessionID       string   `json:"session_id"`
	Dir             string   `json:"dir"`
	Command         string   `json:"command"`
	PID             int      `json:"pid"`
	StartedAt       string   `json:"started_at"`
	DurationSeconds int      `json:"duration_seconds"`
	DurationDisplay string   `json:"duration_display"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	Helpers         []string `json:"helpers,omitempty"`
	Inputs          int      `json:"inputs"`
	Outputs         int      `json:"outputs"`
	Samples         int      `json:"samples"`
	PeakCPU         float64  `json:"peak_cpu_percent"`
	PeakResidentMB  float64  `json:"peak_rss_mb"`
	PeakProcesses   int      `json:"peak_processes"`
	SamplerStop     string   `json:"sampler_stop,omitempty"`
	ExtractorError  string   `json:"extractor_error,omitempty"`
}

func newInfoCmd() *cobra.Command {
	var (
		formatFlag string
		outputRoot string
	)

	cmd := &cobra.Command{
		Use:   "info <session-id-or-dir>",
		Short: "Show session metadata and resource peaks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveOutputRoot(outputRoot)
			if err != nil {
				return err
			}
			dir, err := resolveSessionDir(args[0], root)
			if err != nil {
				return err
			}

			meta, err := store.ReadMeta(dir)
			if err != nil {
				return err
			}
			meta.Dir = dir
			summary, warnings := store.Summarize(meta)
			for _, warn := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", warn)
			}

			payload := infoPayload{
				SessionID:       meta.ID,
				Dir:             dir,
				Command:         meta.Command,
				PID:             meta.PID,
				StartedAt:       meta.StartedAt.Format(time.RFC3339),
				DurationSeconds: summary.DurationSeconds,
				DurationDisplay: formatDuration(summary.DurationSeconds),
				ExitCode:        meta.ExitCode,
				Helpers:         meta.Helpers,
				Inputs:          summary.Inputs,
				Outputs:         summary.Outputs,
				Samples:         summary.Samples,
				PeakCPU:         summary.PeakCPU,
				PeakResidentMB:  summary.PeakResidentMB,
				PeakProcesses:   meta.PeakProcesses,
				SamplerStop:     meta.SamplerStop,
				ExtractorError:  meta.ExtractorError,
			}

			switch strings.ToLower(formatFlag) {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			case "", "text":
				renderInfoText(cmd.OutOrStdout(), payload)
				return nil
			default:
				return fmt.Errorf("unsupported format: %s", formatFlag)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&formatFlag, "format", "text", "output format: text or json")
	flags.StringVar(&outputRoot, "output-root", "", "override the sessions directory")

	return cmd
}

func newPsCmd() *cobra.Command {
	var (
		formatFlag string
		noHeader   bool
	)

	cmd := &cobra.Command{
		Use:   "ps [pattern...]",
		Short: "Find helper processes to include in resource samples",
		Long: "List running processes whose command line or name contains one of the patterns.\n" +
			"Without patterns the configured sampler helpers are used.\n" +
			"Use --format yaml to print a config snippet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns := args
			if len(patterns) == 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				patterns = cfg.Sampler.Helpers
			}
			if len(patterns) == 0 {
				return errors.New("no patterns given and no sampler helpers configured")
			}

			table, err := sampler.NewProcTable()
			if err != nil {
				return err
			}
			procs, err := table.Find(patterns)
			if err != nil {
				return err
			}
			return format.WriteProcesses(cmd.OutOrStdout(), procs, !noHeader, formatFlag)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or yaml")
	flags.BoolVar(&noHeader, "no-header", false, "omit header row for table and plain output")

	return cmd
}

func resolveOutputRoot(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.OutputRoot, nil
}

// resolveSessionDir accepts a session directory or a session id under root.
func resolveSessionDir(arg, root string) (string, error) {
	if arg == "" {
		return "", errors.New("session identifier is empty")
	}

	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		if _, err := os.Stat(filepath.Join(arg, store.EventLogFile)); err == nil {
			return arg, nil
		}
	}

	return store.FindSessionPath(root, arg)
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

func renderInfoText(out io.Writer, payload infoPayload) {
	const labelWidth = 14
	writeKV(out, labelWidth, "Session ID", payload.SessionID)
	writeKV(out, labelWidth, "Command", payload.Command)
	writeKV(out, labelWidth, "Started At", payload.StartedAt)
	writeKV(out, labelWidth, "Duration", payload.DurationDisplay)
	writeKV(out, labelWidth, "PID", fmt.Sprintf("%d", payload.PID))
	exit := "-"
	if payload.ExitCode != nil {
		exit = fmt.Sprintf("%d", *payload.ExitCode)
	}
	writeKV(out, labelWidth, "Exit Code", exit)
	writeKV(out, labelWidth, "Helpers", strings.Join(payload.Helpers, ", "))
	writeKV(out, labelWidth, "Inputs", fmt.Sprintf("%d", payload.Inputs))
	writeKV(out, labelWidth, "Outputs", fmt.Sprintf("%d", payload.Outputs))
	writeKV(out, labelWidth, "Samples", fmt.Sprintf("%d", payload.Samples))
	writeKV(out, labelWidth, "Peak CPU", fmt.Sprintf("%.1f%%", payload.PeakCPU))
	writeKV(out, labelWidth, "Peak RSS", fmt.Sprintf("%.1f MB", payload.PeakResidentMB))
	writeKV(out, labelWidth, "Processes", fmt.Sprintf("%d", payload.PeakProcesses))
	if payload.SamplerStop != "" {
		writeKV(out, labelWidth, "Sampler", payload.SamplerStop)
	}
	if payload.ExtractorError != "" {
		writeKV(out, labelWidth, "Extractor", payload.ExtractorError)
	}
	writeKV(out, labelWidth, "Directory", payload.Dir)
}

func writeKV(out io.Writer, width int, label string, value string) {
	fmt.Fprintf(out, "%-*s: %s\n", width, label, value) //nolint:errcheck
}

