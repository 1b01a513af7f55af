// Package sampler periodically records the CPU and memory used by a target
// process, its session, and any helper processes it depends on.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ttyprof/internal/model"
)

// Defaults for Config.
const (
	DefaultInterval    = 250 * time.Millisecond
	DefaultBackoff     = time.Second
	DefaultRetryBudget = 10
)

// Stop reasons reported in Stats.Stopped.
const (
	StopTargetExited = "target exited"
	StopCancelled    = "cancelled"
	StopExhausted    = "retry budget exhausted"
)

const bytesPerMB = 1024 * 1024

// Config controls the sampling loop.
type Config struct {
	Interval    time.Duration
	Backoff     time.Duration
	RetryBudget int
	Helpers     []string
	Logger      *slog.Logger
	Now         func() time.Time
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stats describes how the sampler ran and why it stopped.
type Stats struct {
	Samples int
	Retries int
	Stopped string
	// PeakProcesses is the largest process count seen in one sample.
	PeakProcesses int
}

// Run samples until ctx is done, the target exits, or more than RetryBudget
// consecutive attempts fail. The retry counter resets after every recorded
// sample.
func Run(ctx context.Context, table ProcessTable, pid int, sink model.SampleSink, cfg Config) (Stats, error) {
	cfg = withDefaults(cfg)
	logger := cfg.Logger

	var (
		stats    Stats
		failures int
	)
	for {
		if ctx.Err() != nil {
			stats.Stopped = StopCancelled
			return stats, nil
		}

		sample, err := collect(table, pid, cfg.Helpers, cfg.Now)
		switch {
		case errors.Is(err, model.ErrTargetGone):
			stats.Stopped = StopTargetExited
			logger.Debug("target exited", "pid", pid, "samples", stats.Samples)
			return stats, nil
		case err != nil:
			failures++
			if failures > cfg.RetryBudget {
				stats.Stopped = StopExhausted
				return stats, fmt.Errorf("%w after %d attempts: %w", model.ErrSampleExhausted, failures, err)
			}
			stats.Retries++
			logger.Warn("sample failed, retrying", "attempt", failures, "error", err)
			if cfg.Sleep(ctx, cfg.Backoff) != nil {
				stats.Stopped = StopCancelled
				return stats, nil
			}
			continue
		}

		failures = 0
		if _, err := sink.AppendSample(sample); err != nil {
			return stats, fmt.Errorf("record sample: %w", err)
		}
		stats.Samples++
		stats.PeakProcesses = max(stats.PeakProcesses, sample.ProcessCount)

		if cfg.Sleep(ctx, cfg.Interval) != nil {
			stats.Stopped = StopCancelled
			return stats, nil
		}
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return cfg
}

func collect(table ProcessTable, pid int, helpers []string, now func() time.Time) (model.ResourceSample, error) {
	running, err := table.Running(pid)
	if err != nil {
		return model.ResourceSample{}, transient(err)
	}
	if !running {
		return model.ResourceSample{}, model.ErrTargetGone
	}

	procs, err := table.Usage(pid, helpers)
	if err != nil {
		return model.ResourceSample{}, transient(err)
	}
	return Aggregate(now(), procs), nil
}

// Aggregate sums per-process usage into one sample.
func Aggregate(at time.Time, procs []model.ProcessUsage) model.ResourceSample {
	sample := model.ResourceSample{Timestamp: at, ProcessCount: len(procs)}
	var rss, vms uint64
	for _, p := range procs {
		sample.CPUPercent += p.CPUPercent
		rss += p.RSSBytes
		vms += p.VMSBytes
	}
	sample.ResidentMB = float64(rss) / bytesPerMB
	sample.VirtualMB = float64(vms) / bytesPerMB
	return sample
}

func transient(err error) error {
	if errors.Is(err, model.ErrSampleTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrSampleTransient, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
