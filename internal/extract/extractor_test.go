package extract

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ttyprof/internal/model"
)

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	ex, err := New(Markers{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return ex
}

func TestFeedSingleResponse(t *testing.T) {
	ex := newExtractor(t)
	out := ex.Feed("⠁⠂⠄ answer text >>> ")
	if len(out.Segments) != 1 || out.Segments[0] != "answer text" {
		t.Fatalf("unexpected segments: %q", out.Segments)
	}
	if out.Ready != 1 {
		t.Fatalf("expected 1 ready prompt, got %d", out.Ready)
	}
	if again := ex.Scan(); len(again.Segments) != 0 || again.Ready != 0 {
		t.Fatalf("rescan produced %+v", again)
	}
	if ex.Pending() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", ex.Pending())
	}
}

func TestFeedNeverEmitsMarkers(t *testing.T) {
	ex := newExtractor(t)
	out := ex.Feed("⠋ first ⠙ part ⠹\r\nsecond line >>> ")
	if len(out.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %q", out.Segments)
	}
	seg := out.Segments[0]
	if strings.Contains(seg, DefaultEndToken) {
		t.Fatalf("segment contains end token: %q", seg)
	}
	for _, r := range seg {
		if r >= 0x2800 && r <= 0x28ff {
			t.Fatalf("segment contains marker glyph %q: %q", r, seg)
		}
	}
	if !strings.Contains(seg, DefaultLineBreak) {
		t.Fatalf("expected line break token in %q", seg)
	}
}

func TestFeedLineBreaks(t *testing.T) {
	ex := newExtractor(t)
	out := ex.Feed("⠋ line one\r\nline two\nline three\r >>> ")
	want := "line one<br>line two<br>line three"
	if len(out.Segments) != 1 || out.Segments[0] != want {
		t.Fatalf("expected %q, got %q", want, out.Segments)
	}
}

func TestFeedEndTokenAcrossReads(t *testing.T) {
	ex := newExtractor(t)
	if out := ex.Feed("⠋ part one >"); len(out.Segments) != 0 {
		t.Fatalf("emitted before end token: %q", out.Segments)
	}
	if out := ex.Feed(">"); len(out.Segments) != 0 {
		t.Fatalf("emitted before end token: %q", out.Segments)
	}
	out := ex.Feed("> ")
	if len(out.Segments) != 1 || out.Segments[0] != "part one" {
		t.Fatalf("unexpected segments: %q", out.Segments)
	}
}

func TestFeedInitialReady(t *testing.T) {
	ex := newExtractor(t)
	out := ex.Feed("model loaded\r\n>>> ")
	if out.Ready != 1 || len(out.Segments) != 0 {
		t.Fatalf("expected one ready and no segments, got %+v", out)
	}
	if out := ex.Feed(">>> "); out.Ready != 0 {
		t.Fatalf("bare prompt after initial ready counted again: %+v", out)
	}
	if ex.Pending() != 0 {
		t.Fatalf("scanning buffer not discarded: %d bytes", ex.Pending())
	}
}

func TestFeedInitialReadySplit(t *testing.T) {
	ex := newExtractor(t)
	ex.Feed("banner >")
	out := ex.Feed(">> ")
	if out.Ready != 1 {
		t.Fatalf("expected split initial prompt to be seen, got %+v", out)
	}
}

func TestFeedEmptySegment(t *testing.T) {
	ex := newExtractor(t)
	out := ex.Feed("⠋⠙  \r\n>>> ")
	if len(out.Segments) != 0 {
		t.Fatalf("empty segment emitted: %q", out.Segments)
	}
	if out.Ready != 1 || ex.Completed() != 1 {
		t.Fatalf("expected completed empty segment, got ready=%d completed=%d", out.Ready, ex.Completed())
	}
}

func TestFeedRepeatedResponses(t *testing.T) {
	ex := newExtractor(t)
	out := ex.Feed("⠋ same >>> ⠋ same >>> ")
	if len(out.Segments) != 2 {
		t.Fatalf("expected both responses, got %q", out.Segments)
	}
	if out.Ready != 2 || ex.Completed() != 2 {
		t.Fatalf("unexpected counts: ready=%d completed=%d", out.Ready, ex.Completed())
	}
}

func TestNewRejectsBadPatterns(t *testing.T) {
	if _, err := New(Markers{StartPattern: "["}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := New(Markers{StartPattern: "x*"}); err == nil {
		t.Fatal("expected empty-match error")
	}
}

func TestDecoderCarriesSplitRune(t *testing.T) {
	var d decoder
	first, err := d.decode([]byte{'a', 0xc3})
	if err != nil || first != "a" {
		t.Fatalf("first decode = %q, %v", first, err)
	}
	second, err := d.decode([]byte{0xa9, 'b'})
	if err != nil || second != "éb" {
		t.Fatalf("second decode = %q, %v", second, err)
	}
}

func TestDecoderRejectsInvalid(t *testing.T) {
	var d decoder
	if _, err := d.decode([]byte("ok")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := d.decode([]byte{'x', 0xff, 'y'})
	var de *model.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Offset != 3 {
		t.Fatalf("expected offset 3, got %d", de.Offset)
	}
}

func TestStripperCarriesSplitEscape(t *testing.T) {
	var s stripper
	if got := s.strip("abc\x1b[3"); got != "abc" {
		t.Fatalf("first strip = %q", got)
	}
	if got := s.strip("1mdef\x1b[0m"); got != "def" {
		t.Fatalf("second strip = %q", got)
	}
	if got := s.strip("title\x1b]0;name"); got != "title" {
		t.Fatalf("osc strip = %q", got)
	}
	if got := s.strip("\x07rest\r\n"); got != "rest\r\n" {
		t.Fatalf("osc completion = %q", got)
	}
}

type chunkChannel struct {
	chunks [][]byte
	close  bool
}

func (c *chunkChannel) ReadTimeout(p []byte, _ time.Duration) (int, error) {
	if len(c.chunks) == 0 {
		if c.close {
			return 0, model.ErrChannelClosed
		}
		return 0, nil
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func chunks(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Append(kind model.EventKind, text string) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := model.Event{Timestamp: time.Now(), Kind: kind, Text: text}
	s.events = append(s.events, event)
	return event, nil
}

func TestRunCapturesResponses(t *testing.T) {
	ch := &chunkChannel{close: true, chunks: chunks(
		">>> ",
		"\x1b[?25l⠋ \x1b[K",
		"answer ",
		"text\r\n>",
		">> ",
	)}
	sink := &recordingSink{}
	var mirror bytes.Buffer
	ready := 0

	stats, err := Run(context.Background(), ch, sink, Config{
		Mirror:     &mirror,
		MirrorMode: MirrorStripped,
		OnReady:    func() { ready++ },
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].Text != "answer text" || sink.events[0].Kind != model.EventOutput {
		t.Fatalf("unexpected events: %+v", sink.events)
	}
	if stats.Segments != 1 || ready != 2 {
		t.Fatalf("expected 1 segment and 2 ready signals, got %d and %d", stats.Segments, ready)
	}
	if strings.Contains(mirror.String(), "\x1b") {
		t.Fatalf("stripped mirror kept escapes: %q", mirror.String())
	}
}

func TestRunMirrorRaw(t *testing.T) {
	ch := &chunkChannel{close: true, chunks: chunks("\x1b[1mbold\x1b[0m")}
	var mirror bytes.Buffer
	if _, err := Run(context.Background(), ch, &recordingSink{}, Config{Mirror: &mirror}, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if mirror.String() != "\x1b[1mbold\x1b[0m" {
		t.Fatalf("raw mirror = %q", mirror.String())
	}
}

func TestRunSkipsContinuationChunk(t *testing.T) {
	ch := &chunkChannel{close: true, chunks: chunks("⠋ hello", "\n... ", " world >>> ")}
	sink := &recordingSink{}
	stats, err := Run(context.Background(), ch, sink, Config{MirrorMode: MirrorOff}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Skipped != 1 {
		t.Fatalf("expected 1 skipped chunk, got %d", stats.Skipped)
	}
	if len(sink.events) != 1 || sink.events[0].Text != "hello world" {
		t.Fatalf("unexpected events: %+v", sink.events)
	}
}

func TestRunDrainsAfterChildExit(t *testing.T) {
	ch := &chunkChannel{chunks: chunks("⠋ last ", "words >>> ")}
	done := make(chan struct{})
	close(done)
	sink := &recordingSink{}

	stats, err := Run(context.Background(), ch, sink, Config{}, done)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Segments != 1 || sink.events[0].Text != "last words" {
		t.Fatalf("trailing response lost: %+v", sink.events)
	}
}

func TestRunStopsOnDecodeError(t *testing.T) {
	ch := &chunkChannel{close: true, chunks: chunks("⠋ ok", "\xff\xfe", " >>> ")}
	sink := &recordingSink{}
	_, err := Run(context.Background(), ch, sink, Config{}, nil)
	if !IsDecodeError(err) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("unexpected events after decode error: %+v", sink.events)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, &chunkChannel{}, &recordingSink{}, Config{}, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestParseMirrorMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want MirrorMode
		ok   bool
	}{
		{"", MirrorRaw, true},
		{"raw", MirrorRaw, true},
		{"stripped", MirrorStripped, true},
		{"off", MirrorOff, true},
		{"loud", "", false},
	} {
		got, err := ParseMirrorMode(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseMirrorMode(%q) = %q, %v", tc.in, got, err)
		}
	}
}
