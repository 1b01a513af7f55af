package sampler

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"ttyprof/internal/model"
)

type fakeTable struct {
	// failures[i] makes the i-th Usage call fail.
	failures map[int]bool
	// goneAfter reports the target as exited once this many Running calls
	// have been made. Zero means never.
	goneAfter int
	procs     []model.ProcessUsage

	runningCalls int
	usageCalls   int
}

func (f *fakeTable) Running(int) (bool, error) {
	f.runningCalls++
	if f.goneAfter > 0 && f.runningCalls > f.goneAfter {
		return false, nil
	}
	return true, nil
}

func (f *fakeTable) Usage(int, []string) ([]model.ProcessUsage, error) {
	call := f.usageCalls
	f.usageCalls++
	if f.failures[call] {
		return nil, errors.New("proc table busy")
	}
	return f.procs, nil
}

type sampleSink struct {
	samples []model.ResourceSample
}

func (s *sampleSink) AppendSample(sample model.ResourceSample) (model.ResourceSample, error) {
	s.samples = append(s.samples, sample)
	return sample, nil
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestRunResumesAfterTransientFailures(t *testing.T) {
	table := &fakeTable{
		failures:  map[int]bool{1: true, 2: true, 3: true},
		goneAfter: 6,
		procs:     []model.ProcessUsage{{PID: 1, CPUPercent: 5}},
	}
	sink := &sampleSink{}

	stats, err := Run(context.Background(), table, 1, sink, Config{Sleep: noSleep})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Retries != 3 {
		t.Fatalf("expected 3 retries, got %d", stats.Retries)
	}
	if len(sink.samples) != 3 || stats.Samples != 3 {
		t.Fatalf("expected 3 samples, got %d", len(sink.samples))
	}
	if stats.Stopped != StopTargetExited {
		t.Fatalf("unexpected stop reason %q", stats.Stopped)
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	failures := make(map[int]bool)
	for i := range 20 {
		failures[i] = true
	}
	table := &fakeTable{failures: failures}

	stats, err := Run(context.Background(), table, 1, &sampleSink{}, Config{Sleep: noSleep})
	if !errors.Is(err, model.ErrSampleExhausted) {
		t.Fatalf("expected ErrSampleExhausted, got %v", err)
	}
	if !errors.Is(err, model.ErrSampleTransient) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
	if table.usageCalls != DefaultRetryBudget+1 {
		t.Fatalf("expected %d attempts, got %d", DefaultRetryBudget+1, table.usageCalls)
	}
	if stats.Retries != DefaultRetryBudget || stats.Stopped != StopExhausted {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunBudgetCountsConsecutiveFailures(t *testing.T) {
	failures := make(map[int]bool)
	// Two bursts of 8 failures separated by a success.
	for i := range 8 {
		failures[i] = true
		failures[i+9] = true
	}
	table := &fakeTable{failures: failures, goneAfter: 19}
	stats, err := Run(context.Background(), table, 1, &sampleSink{}, Config{Sleep: noSleep})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Retries != 16 || stats.Samples != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestZeroRetryBudgetUsesDefault(t *testing.T) {
	if got := withDefaults(Config{}).RetryBudget; got != DefaultRetryBudget {
		t.Fatalf("expected default retry budget %d, got %d", DefaultRetryBudget, got)
	}
	if got := withDefaults(Config{RetryBudget: -1}).RetryBudget; got != DefaultRetryBudget {
		t.Fatalf("negative retry budget should fall back to default, got %d", got)
	}
	if got := withDefaults(Config{RetryBudget: 3}).RetryBudget; got != 3 {
		t.Fatalf("explicit retry budget overridden: %d", got)
	}
}

func TestRunTracksPeakProcesses(t *testing.T) {
	table := &fakeTable{
		goneAfter: 1,
		procs:     []model.ProcessUsage{{PID: 1}, {PID: 2}, {PID: 3}},
	}
	stats, err := Run(context.Background(), table, 1, &sampleSink{}, Config{Sleep: noSleep})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.PeakProcesses != 3 {
		t.Fatalf("expected peak of 3 processes, got %d", stats.PeakProcesses)
	}
}

func TestRunStopsWhenTargetGone(t *testing.T) {
	table := &fakeTable{goneAfter: 2}
	sink := &sampleSink{}
	stats, err := Run(context.Background(), table, 1, sink, Config{Sleep: noSleep})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Samples != 2 || stats.Stopped != StopTargetExited {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &sampleSink{}
	cfg := Config{Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	stats, err := Run(ctx, &fakeTable{}, 1, sink, cfg)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Samples != 1 || stats.Stopped != StopCancelled {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAggregate(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	sample := Aggregate(at, []model.ProcessUsage{
		{PID: 1, CPUPercent: 12.5, RSSBytes: 100 * bytesPerMB, VMSBytes: 1024 * bytesPerMB},
		{PID: 2, CPUPercent: 30, RSSBytes: 50 * bytesPerMB, VMSBytes: 512 * bytesPerMB},
	})
	if sample.CPUPercent != 42.5 || sample.ResidentMB != 150 || sample.VirtualMB != 1536 {
		t.Fatalf("unexpected sample: %+v", sample)
	}
	if sample.ProcessCount != 2 || !sample.Timestamp.Equal(at) {
		t.Fatalf("unexpected sample: %+v", sample)
	}
}

func TestProcTableSelfExcluded(t *testing.T) {
	table, err := NewProcTable()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	running, err := table.Running(os.Getpid())
	if err != nil {
		t.Skipf("procfs unreadable: %v", err)
	}
	if !running {
		t.Fatal("expected own process to be running")
	}
	usage, err := table.Usage(os.Getpid(), nil)
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	for _, p := range usage {
		if p.PID == os.Getpid() {
			t.Fatalf("own process was sampled: %+v", p)
		}
	}
	if running, _ := table.Running(math.MaxInt32); running {
		t.Fatal("expected missing pid to be reported as not running")
	}
}

func TestProcTableCPUDelta(t *testing.T) {
	table, err := NewProcTable()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	base := time.Now()
	table.now = func() time.Time { return base }

	p, err := table.fs.Proc(os.Getpid())
	if err != nil {
		t.Skipf("procfs unreadable: %v", err)
	}
	st, err := p.Stat()
	if err != nil {
		t.Skipf("procfs unreadable: %v", err)
	}

	table.mu.Lock()
	first := table.delta(st)
	table.now = func() time.Time { return base.Add(time.Second) }
	st.UTime += 50
	second := table.delta(st)
	table.mu.Unlock()

	if first != 0 {
		t.Fatalf("expected 0 on first sight, got %f", first)
	}
	if math.Abs(second-50) > 0.001 {
		t.Fatalf("expected 50%%, got %f", second)
	}
}

func TestMatchAny(t *testing.T) {
	if !matchAny("/usr/bin/ollama serve", "ollama", []string{"ollama serve"}) {
		t.Fatal("expected cmdline match")
	}
	if !matchAny("", "llama-server", []string{"llama"}) {
		t.Fatal("expected comm fallback match")
	}
	if matchAny("bash", "bash", []string{"", "python"}) {
		t.Fatal("unexpected match")
	}
}
