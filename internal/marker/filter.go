package marker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Filter separates the visible prose of one streamed reply from its
// directives. Each turn owns its own Filter; it is not safe for concurrent use.
//
// Text before the first prefix is released as soon as it cannot be the start
// of a prefix. Everything from the first prefix onward is held until Flush.
type Filter struct {
	tail strings.Builder
	raw  strings.Builder
	// last few runes released so far, used to stop Flush from completing a
	// prefix across the boundary.
	released string
}

// NewFilter returns an empty filter.
func NewFilter() *Filter {
	return &Filter{}
}

// Write appends chunk to the stream and returns the text that is now safe to
// show. It returns "" when nothing can be released yet.
func (f *Filter) Write(chunk string) string {
	if chunk == "" {
		return ""
	}
	f.raw.WriteString(chunk)
	f.tail.WriteString(chunk)

	tail := f.tail.String()
	if p := strings.Index(tail, Prefix); p >= 0 {
		if p == 0 {
			return ""
		}
		return f.release(tail, p)
	}

	cut := windowCut(tail)
	if cut <= 0 {
		return ""
	}
	return f.release(tail, cut)
}

// Flush ends the stream and returns any remaining visible text. Complete
// comment spans are removed; an unterminated one and everything after it is
// dropped. Only trailing whitespace is trimmed, since the held text continues
// prose that was already released.
func (f *Filter) Flush() string {
	rest := f.tail.String()
	f.tail.Reset()

	rest = actionPattern.ReplaceAllString(rest, "")
	rest = phaseCompletePattern.ReplaceAllString(rest, "")
	rest = commentPattern.ReplaceAllString(rest, "")
	if i := strings.Index(rest, Prefix); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimRightFunc(rest, unicode.IsSpace)
	if rest == "" {
		return ""
	}
	if strings.Contains(f.released+rest, Prefix) {
		return ""
	}
	f.remember(rest)
	return rest
}

// Raw returns every chunk written so far, unmodified.
func (f *Filter) Raw() string {
	return f.raw.String()
}

// Replace discards the stream so far and substitutes text as both the raw
// reply and the pending tail. It is used when the upstream source fails and a
// fallback reply stands in for the whole response.
func (f *Filter) Replace(text string) {
	f.raw.Reset()
	f.raw.WriteString(text)
	f.tail.Reset()
	f.tail.WriteString(text)
}

func (f *Filter) release(tail string, n int) string {
	out := tail[:n]
	f.tail.Reset()
	f.tail.WriteString(tail[n:])
	f.remember(out)
	return out
}

func (f *Filter) remember(out string) {
	s := f.released + out
	if cut := len(s) - (len(Prefix) - 1); cut > 0 {
		s = s[cut:]
	}
	f.released = s
}

// windowCut returns the byte offset that leaves the last Window runes of s in
// the tail. It never splits a multi-byte rune.
func windowCut(s string) int {
	if utf8.RuneCountInString(s) <= Window {
		return 0
	}
	i := len(s)
	for n := 0; n < Window && i > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
