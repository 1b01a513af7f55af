package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// PromptSeparator separates prompts in a prompt file.
const PromptSeparator = "|||"

// ErrPromptTimeout is returned by Script when the target never signalled
// readiness for the next prompt.
var ErrPromptTimeout = errors.New("timed out waiting for the target to become ready")

// LoadPrompts reads a prompt file. Prompts are separated by "|||"; surrounding
// whitespace is trimmed and blank prompts are dropped.
func LoadPrompts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return ParsePrompts(string(data)), nil
}

// ParsePrompts splits text into prompts.
func ParsePrompts(text string) []string {
	var prompts []string
	for _, part := range strings.Split(text, PromptSeparator) {
		// Prompts are typed on one line; embedded newlines would submit early.
		prompt := strings.Join(strings.Fields(part), " ")
		if prompt != "" {
			prompts = append(prompts, prompt)
		}
	}
	return prompts
}

// ScriptConfig controls prompt pacing.
type ScriptConfig struct {
	// Delay is the pause between a response completing and the next prompt.
	Delay time.Duration
	// Timeout bounds the wait for each ready signal. Zero waits forever.
	Timeout time.Duration
}

// Script is a Source that types prompts into the target, one per ready
// signal. The first prompt waits for the target's initial prompt; each later
// prompt waits for the previous response to complete. After the final
// response Script reports io.EOF.
type Script struct {
	prompts []string
	next    int
	pending []byte
	ready   chan struct{}
	cfg     ScriptConfig

	waitStarted time.Time
	notBefore   time.Time

	now func() time.Time
}

// NewScript returns a Script over prompts.
func NewScript(prompts []string, cfg ScriptConfig) *Script {
	return &Script{
		prompts: prompts,
		ready:   make(chan struct{}, 1),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Notify signals that the target is ready for input. It never blocks;
// signals that arrive before the previous one was consumed are coalesced.
func (s *Script) Notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Remaining returns the number of prompts not yet typed.
func (s *Script) Remaining() int {
	return len(s.prompts) - s.next
}

// ReadTimeout implements Source.
func (s *Script) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	if !s.notBefore.IsZero() {
		return s.typeNext(p, timeout)
	}

	if s.waitStarted.IsZero() {
		s.waitStarted = s.now()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		s.waitStarted = time.Time{}
		if s.next >= len(s.prompts) {
			return 0, io.EOF
		}
		s.notBefore = s.now()
		if s.next > 0 {
			s.notBefore = s.notBefore.Add(s.cfg.Delay)
		}
		return 0, nil
	case <-timer.C:
		if s.cfg.Timeout > 0 && s.now().Sub(s.waitStarted) >= s.cfg.Timeout {
			return 0, fmt.Errorf("prompt %d of %d: %w", s.next+1, len(s.prompts), ErrPromptTimeout)
		}
		return 0, nil
	}
}

// typeNext loads the next prompt once the pacing delay has elapsed.
func (s *Script) typeNext(p []byte, timeout time.Duration) (int, error) {
	if wait := s.notBefore.Sub(s.now()); wait > 0 {
		time.Sleep(min(wait, timeout))
		return 0, nil
	}
	s.notBefore = time.Time{}
	s.pending = []byte(s.prompts[s.next] + "\r")
	s.next++
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close implements Source.
func (s *Script) Close() error {
	return nil
}
