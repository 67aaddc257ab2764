// Package segment reassembles a stream of text fragments into sentence units.
package segment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinLength is the shortest accepted sentence, in characters.
const MinLength = 16

// HoldLimit caps how many bytes an unfinished code block, event line or
// structured object may hold back. Past it the text is segmented as prose.
const HoldLimit = 1024

const (
	fence       = "```"
	eventMarker = "[EVENT]"
)

var citationOnly = regexp.MustCompile(`^\[\d+\]\.?$`)

// Segmenter accumulates fragments and emits completed sentences. One Segmenter
// serves exactly one stream; it is not safe for concurrent use.
//
// A candidate runs up to a terminal mark (. ! ?). Candidates that are too
// short or citation-only are not dropped: they stay in the buffer and become
// the prefix of the next candidate. Finished code blocks and event lines are
// never spoken and are removed from the buffer before segmenting.
type Segmenter struct {
	buf    string
	minLen int
}

// New returns an empty Segmenter using MinLength.
func New() *Segmenter { return &Segmenter{minLen: MinLength} }

// WithMinLength overrides the acceptance threshold.
func (s *Segmenter) WithMinLength(n int) *Segmenter {
	if n > 0 {
		s.minLen = n
	}
	return s
}

// Feed appends fragment and returns the sentences it completed, in order.
func (s *Segmenter) Feed(fragment string) []string {
	s.Write(fragment)
	return s.Drain()
}

// Write appends fragment without extracting sentences.
func (s *Segmenter) Write(fragment string) { s.buf += fragment }

// Drain extracts every sentence currently complete in the buffer. Accepted
// sentences are consumed from the front; everything after the last accepted
// sentence stays buffered.
func (s *Segmenter) Drain() []string {
	held := s.prepare()
	var out []string
	start := 0
	for i := 0; i < held; i++ {
		switch s.buf[i] {
		case '.', '!', '?':
		default:
			continue
		}
		candidate := strings.TrimSpace(s.buf[start : i+1])
		if !s.accept(candidate) {
			continue
		}
		out = append(out, candidate)
		start = i + 1
	}
	s.buf = s.buf[start:]
	return out
}

// prepare removes finished code blocks and event lines from the buffer and
// returns the offset of the first unfinished one, or len(buf) when nothing
// needs holding back.
func (s *Segmenter) prepare() int {
	for i := 0; i < len(s.buf); i++ {
		rest := s.buf[i:]
		switch {
		case strings.HasPrefix(rest, fence) && lineStart(s.buf, i):
			if end := strings.Index(rest[len(fence):], fence); end >= 0 {
				s.buf = s.buf[:i] + rest[len(fence)+end+len(fence):]
				i--
				continue
			}
			if len(rest) <= HoldLimit {
				return i
			}
			i += len(fence) - 1
		case strings.HasPrefix(rest, eventMarker):
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				s.buf = s.buf[:i] + rest[nl+1:]
				i--
				continue
			}
			if len(rest) <= HoldLimit {
				return i
			}
		case rest[0] == '{' && len(rest) <= HoldLimit && openObject(rest):
			return i
		}
	}
	return len(s.buf)
}

func (s *Segmenter) accept(c string) bool {
	if utf8.RuneCountInString(c) < s.minLen {
		return false
	}
	return !citationOnly.MatchString(c)
}

// lineStart reports whether only blanks separate buf[i] from the start of
// its line or of the buffer.
func lineStart(buf string, i int) bool {
	for i--; i >= 0; i-- {
		switch buf[i] {
		case ' ', '\t':
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

// openObject reports whether s, which starts with '{', is a JSON object that
// has not closed yet and contains nothing a JSON encoder could not have
// written so far.
func openObject(s string) bool {
	depth := 0
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth <= 0 {
				return false
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ':' || c == ',':
		case c == '-' || isDigit(c):
			for i+1 < len(s) && strings.IndexByte("0123456789+-.eE", s[i+1]) >= 0 {
				i++
			}
		case isLower(c):
			j := i
			for j < len(s) && isLower(s[j]) {
				j++
			}
			word := s[i:j]
			if !isLiteral(word, j == len(s)) {
				return false
			}
			i = j - 1
		default:
			return false
		}
	}
	return true
}

func isLiteral(word string, partial bool) bool {
	for _, lit := range []string{"true", "false", "null"} {
		if word == lit || (partial && strings.HasPrefix(lit, word)) {
			return true
		}
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

// Buffer returns the unconsumed text.
func (s *Segmenter) Buffer() string { return s.buf }

// Excise removes buf[start:end]. Offsets are byte offsets into the value most
// recently returned by Buffer.
func (s *Segmenter) Excise(start, end int) error {
	if start < 0 || end > len(s.buf) || start > end {
		return fmt.Errorf("segment: excise [%d:%d] out of range for buffer of %d bytes", start, end, len(s.buf))
	}
	s.buf = s.buf[:start] + s.buf[end:]
	return nil
}
