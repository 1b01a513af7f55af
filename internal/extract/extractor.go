// Package extract detects completed responses in a target program's
// streamed terminal output.
//
// A response starts after a run of marker glyphs (a spinner, for example)
// and ends at the ready prompt the program prints when it accepts new input.
// The Extractor keeps only the unconsumed tail of the output, so the work per
// read is proportional to the new bytes plus the currently open response.
package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// Defaults matching interactive model runners that animate a Braille spinner
// while generating and print ">>> " when ready.
const (
	DefaultStartPattern      = `[\x{2800}-\x{28FF}]+`
	DefaultEndToken          = ">>>"
	DefaultContinuationToken = "\n..."
	DefaultLineBreak         = "<br>"
)

type state int

const (
	scanning state = iota
	inSegment
)

func (s state) String() string {
	switch s {
	case scanning:
		return "scanning"
	case inSegment:
		return "in-segment"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Markers configures segment boundaries.
type Markers struct {
	StartPattern string
	EndToken     string
	LineBreak    string
}

// Outcome is the result of one scan pass.
type Outcome struct {
	// Segments holds the responses completed during the pass, in order.
	Segments []string
	// Ready counts the ready prompts observed: the first prompt before any
	// response, then one per completed response (empty ones included).
	Ready int
}

// Extractor is the segment state machine. It does no I/O and is not safe
// for concurrent use.
type Extractor struct {
	start     *regexp.Regexp
	end       string
	lineBreak string

	state      state
	buf        string
	searchFrom int

	completed int
	sawReady  bool
}

// New compiles the markers.
func New(m Markers) (*Extractor, error) {
	if m.StartPattern == "" {
		m.StartPattern = DefaultStartPattern
	}
	if m.EndToken == "" {
		m.EndToken = DefaultEndToken
	}
	if m.LineBreak == "" {
		m.LineBreak = DefaultLineBreak
	}
	start, err := regexp.Compile(m.StartPattern)
	if err != nil {
		return nil, fmt.Errorf("compile start pattern: %w", err)
	}
	if start.MatchString("") {
		return nil, fmt.Errorf("start pattern %q matches the empty string", m.StartPattern)
	}
	return &Extractor{start: start, end: m.EndToken, lineBreak: m.LineBreak}, nil
}

// Feed appends already-stripped text and scans it.
func (e *Extractor) Feed(text string) Outcome {
	e.buf += text
	return e.Scan()
}

// Scan runs the state machine over the retained buffer. Scanning again
// without new text finds nothing: consumed output is never revisited.
func (e *Extractor) Scan() Outcome {
	var out Outcome
	for {
		switch e.state {
		case scanning:
			if !e.scanForStart(&out) {
				return out
			}
		case inSegment:
			if !e.scanForEnd(&out) {
				return out
			}
		}
	}
}

// Completed returns the number of segments closed so far, emitted or not.
func (e *Extractor) Completed() int {
	return e.completed
}

// Pending returns the size of the retained, unconsumed buffer.
func (e *Extractor) Pending() int {
	return len(e.buf)
}

func (e *Extractor) scanForStart(out *Outcome) bool {
	loc := e.start.FindStringIndex(e.buf)

	if !e.sawReady {
		limit := len(e.buf)
		if loc != nil {
			limit = loc[0]
		}
		if idx := strings.Index(e.buf[:limit], e.end); idx >= 0 {
			e.sawReady = true
			out.Ready++
		}
	}

	if loc == nil {
		// Nothing before a start marker is ever part of a segment. Keep just
		// enough to recognise an end token split across reads.
		keep := 0
		if !e.sawReady {
			keep = len(e.end) - 1
		}
		if len(e.buf) > keep {
			e.buf = e.buf[len(e.buf)-keep:]
		}
		return false
	}

	e.buf = e.buf[loc[1]:]
	e.searchFrom = 0
	e.state = inSegment
	return true
}

func (e *Extractor) scanForEnd(out *Outcome) bool {
	idx := strings.Index(e.buf[e.searchFrom:], e.end)
	if idx < 0 {
		// The token may straddle the next read.
		e.searchFrom = max(0, len(e.buf)-len(e.end)+1)
		return false
	}
	idx += e.searchFrom

	candidate := e.buf[:idx]
	e.buf = e.buf[idx+len(e.end):]
	e.searchFrom = 0
	e.state = scanning
	e.sawReady = true
	e.completed++
	out.Ready++

	text := e.clean(candidate)
	if text != "" {
		out.Segments = append(out.Segments, text)
	}
	return true
}

// clean removes stray marker glyphs, trims the segment, and folds line
// breaks into the escape token. A bare carriage return only moves the
// cursor and is dropped.
func (e *Extractor) clean(segment string) string {
	segment = e.start.ReplaceAllString(segment, "")
	segment = strings.ReplaceAll(segment, e.end, "")
	segment = strings.ReplaceAll(segment, "\r\n", "\n")
	segment = strings.ReplaceAll(segment, "\r", "")
	segment = strings.TrimSpace(segment)
	return strings.ReplaceAll(segment, "\n", e.lineBreak)
}
