package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"ttyprof/internal/model"
)

// maxPendingEscape caps how much of an unterminated escape sequence is held
// back waiting for the next read.
const maxPendingEscape = 256

// decoder turns raw chunks into UTF-8 text, carrying a rune split across
// reads into the next chunk.
type decoder struct {
	partial []byte
	offset  int64
}

func (d *decoder) decode(chunk []byte) (string, error) {
	data := append(d.partial, chunk...)
	d.partial = nil

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	d.partial = append([]byte(nil), data[cut:]...)

	valid := data[:cut]
	if !utf8.Valid(valid) {
		bad := firstInvalid(valid)
		end := min(bad+utf8.UTFMax, len(valid))
		return "", &model.DecodeError{Offset: d.offset + int64(bad), Bytes: append([]byte(nil), valid[bad:end]...)}
	}
	d.offset += int64(cut)
	return string(valid), nil
}

func firstInvalid(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return len(b)
}

// stripper removes ANSI escape sequences. An escape sequence cut off at the
// end of a chunk is held back and completed by the next one.
type stripper struct {
	pending string
}

func (s *stripper) strip(text string) string {
	text = s.pending + text
	s.pending = ""
	complete, rest := splitIncompleteEscape(text)
	if len(rest) > maxPendingEscape {
		complete, rest = text, ""
	}
	s.pending = rest
	return ansi.Strip(complete)
}

// splitIncompleteEscape separates a trailing unterminated escape sequence
// from text.
func splitIncompleteEscape(text string) (string, string) {
	idx := strings.LastIndexByte(text, ansi.ESC)
	if idx < 0 {
		return text, ""
	}
	tail := text[idx:]
	if len(tail) == 1 {
		return text[:idx], tail
	}
	switch tail[1] {
	case '[':
		// CSI: parameters and intermediates, then a final byte in 0x40..0x7E.
		for i := 2; i < len(tail); i++ {
			if tail[i] >= 0x40 && tail[i] <= 0x7e {
				return text, ""
			}
		}
		return text[:idx], tail
	case ']', 'P', '_', '^', 'X':
		// String sequences end with BEL or ST (ESC \).
		if strings.IndexByte(tail, ansi.BEL) >= 0 {
			return text, ""
		}
		return text[:idx], tail
	default:
		return text, ""
	}
}
