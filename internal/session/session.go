// Package session runs one profiling session: it spawns the target on a
// pseudo-terminal and runs the input relay, the output extractor and the
// resource sampler against it until the target exits or the session is
// stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ttyprof/internal/extract"
	"ttyprof/internal/logging"
	"ttyprof/internal/model"
	"ttyprof/internal/relay"
	"ttyprof/internal/sampler"
	"ttyprof/internal/store"
)

// DefaultGrace is how long the target's process group gets between SIGTERM
// and SIGKILL when the session ends before it does.
const DefaultGrace = 2 * time.Second

// Options describes a session.
type Options struct {
	// Command is run with "sh -c".
	Command string
	// OutputRoot receives a new directory for this session.
	OutputRoot string

	// Input is the operator's keystroke source. Ignored when Script is set.
	Input relay.Source
	// Script types prompts from a file instead of relaying Input. The
	// session stops once the script is exhausted.
	Script *relay.Script
	// StopOnInputEOF ends the session when Input is exhausted.
	StopOnInputEOF bool

	// Terminal is the operator's terminal; its size is copied to the
	// target's terminal initially and on every SIGWINCH. May be nil.
	Terminal *os.File
	Size     Size

	Extract extract.Config
	Relay   relay.Config
	Sampler sampler.Config
	// Table is the process table; nil means /proc.
	Table sampler.ProcessTable

	Grace    time.Duration
	LogLevel slog.Level
	// Logger overrides the JSON log written to profiler.log.
	Logger *slog.Logger
	Now    func() time.Time
}

// Result is the outcome of a finished session. Worker errors are reported
// here rather than returned, since none of them ends the session by itself.
type Result struct {
	Meta model.SessionMeta

	Relay    relay.Stats
	RelayErr error

	Extract    extract.Stats
	ExtractErr error

	Sampler    sampler.Stats
	SamplerErr error
}

// Session is a running profiling session.
type Session struct {
	opts    Options
	logger  *slog.Logger
	meta    model.SessionMeta
	channel *Channel
	child   *Child

	events    *store.EventLog
	resources *store.ResourceLog
	diag      io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	result Result
}

// Start creates the session directory, spawns the target and starts the
// workers. On error nothing is left running.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Input == nil && opts.Script == nil {
		return nil, errors.New("session needs an input source or a prompt script")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}

	start := opts.Now()
	dir, id, err := store.NewSessionDir(opts.OutputRoot, opts.Command, start)
	if err != nil {
		return nil, err
	}

	s := &Session{opts: opts}
	s.meta = model.SessionMeta{
		ID:        id,
		Command:   opts.Command,
		Dir:       dir,
		Helpers:   opts.Sampler.Helpers,
		StartedAt: start,
	}

	if err := s.openLogs(dir); err != nil {
		s.closeLogs()
		return nil, err
	}

	if s.opts.Table == nil {
		table, err := sampler.NewProcTable()
		if err != nil {
			s.closeLogs()
			return nil, err
		}
		s.opts.Table = table
	}

	size := opts.Size
	if size == (Size{}) && opts.Terminal != nil {
		size = TerminalSize(opts.Terminal)
	}
	channel, child, err := Spawn(opts.Command, size)
	if err != nil {
		s.logger.Error("spawn failed", "command", opts.Command, "error", err)
		s.closeLogs()
		return nil, err
	}
	s.channel = channel
	s.child = child
	s.meta.PID = child.PID()
	s.logger.Info("session started", "id", id, "command", opts.Command, "pid", s.meta.PID, "size", fmt.Sprintf("%dx%d", size.Cols, size.Rows))

	if err := store.WriteMeta(dir, s.meta); err != nil {
		s.logger.Warn("write session meta", "error", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startWorkers()
	return s, nil
}

func (s *Session) openLogs(dir string) error {
	s.logger = s.opts.Logger
	if s.logger == nil {
		diag, err := os.OpenFile(filepath.Join(dir, store.DiagnosticsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open diagnostics log: %w", err)
		}
		s.diag = diag
		s.logger = logging.New(diag, s.opts.LogLevel)
	}

	events, err := store.OpenEventLog(filepath.Join(dir, store.EventLogFile))
	if err != nil {
		return err
	}
	s.events = events

	resources, err := store.CreateResourceLog(dir)
	if err != nil {
		return err
	}
	s.resources = resources
	return nil
}

func (s *Session) closeLogs() {
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Warn("close event log", "error", err)
		}
	}
	if s.resources != nil {
		if err := s.resources.Close(); err != nil {
			s.logger.Warn("close resource log", "error", err)
		}
	}
	if s.diag != nil {
		s.diag.Close()
	}
}

func (s *Session) startWorkers() {
	input := s.opts.Input
	stopOnEOF := s.opts.StopOnInputEOF
	extractCfg := s.opts.Extract
	if s.opts.Script != nil {
		input = s.opts.Script
		stopOnEOF = true
		notify := extractCfg.OnReady
		extractCfg.OnReady = func() {
			s.opts.Script.Notify()
			if notify != nil {
				notify()
			}
		}
	}
	relayCfg := s.opts.Relay
	relayCfg.Logger = s.logger.With("worker", "relay")
	extractCfg.Logger = s.logger.With("worker", "extract")
	samplerCfg := s.opts.Sampler
	samplerCfg.Logger = s.logger.With("worker", "sampler")

	extractDone := make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		stats, err := relay.Run(s.ctx, input, s.channel, s.events, relayCfg)
		s.result.Relay, s.result.RelayErr = stats, err
		if err != nil {
			s.logger.Error("input relay failed", "error", err)
		}
		if stopOnEOF || err != nil {
			s.cancel()
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(extractDone)
		stats, err := extract.Run(s.ctx, s.channel, s.events, extractCfg, s.child.Done())
		s.result.Extract, s.result.ExtractErr = stats, err
		if err != nil {
			// Output capture is lost, but the operator's session goes on.
			s.logger.Error("output extractor stopped", "error", err)
			return
		}
		s.cancel()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		stats, err := sampler.Run(s.ctx, s.opts.Table, s.meta.PID, s.resources, samplerCfg)
		s.result.Sampler, s.result.SamplerErr = stats, err
		if err != nil {
			s.logger.Error("resource sampler stopped", "error", err)
		}
	}()

	// Once the target exits, the session ends as soon as its remaining
	// output has been read.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.child.Done():
		case <-s.ctx.Done():
			return
		}
		select {
		case <-extractDone:
		case <-s.ctx.Done():
		}
		s.cancel()
	}()

	if s.opts.Terminal != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			followResize(s.ctx, s.opts.Terminal, s.channel, s.logger)
		}()
	}
}

// Dir returns the session's output directory.
func (s *Session) Dir() string {
	return s.meta.Dir
}

// Stop asks every worker to finish. Wait returns once they have.
func (s *Session) Stop() {
	s.cancel()
}

// Wait blocks until the workers have stopped, then terminates whatever is
// left of the target's process group, releases the terminal and finalizes
// the session metadata.
func (s *Session) Wait() Result {
	s.wg.Wait()
	s.cancel()

	if err := s.child.Terminate(s.opts.Grace); err != nil {
		s.logger.Warn("terminate target", "error", err)
	}
	if err := s.channel.Close(); err != nil {
		s.logger.Debug("close channel", "error", err)
	}

	s.meta.EndedAt = s.opts.Now()
	code, exited := s.child.ExitCode()
	if exited {
		s.meta.ExitCode = &code
	}
	s.meta.SamplerStop = s.result.Sampler.Stopped
	s.meta.PeakProcesses = s.result.Sampler.PeakProcesses
	if s.result.SamplerErr != nil {
		s.meta.SamplerStop = s.result.SamplerErr.Error()
	}
	if s.result.ExtractErr != nil {
		s.meta.ExtractorError = s.result.ExtractErr.Error()
	}
	if err := store.WriteMeta(s.meta.Dir, s.meta); err != nil {
		s.logger.Warn("write session meta", "error", err)
	}

	s.logger.Info("session finished",
		"id", s.meta.ID,
		"inputs", s.result.Relay.Events,
		"outputs", s.result.Extract.Segments,
		"samples", s.result.Sampler.Samples,
		"exit_code", code,
		"wait_error", s.child.Err(),
	)
	s.closeLogs()

	s.result.Meta = s.meta
	return s.result
}

// Run starts a session and waits for it to finish.
func Run(ctx context.Context, opts Options) (Result, error) {
	s, err := Start(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	return s.Wait(), nil
}
