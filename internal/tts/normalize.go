package tts

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	strongRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	emphasisRe   = regexp.MustCompile(`\*(.+?)\*`)
	backtickRe   = regexp.MustCompile("`+")
	headingRe    = regexp.MustCompile(`#{1,6}\s*`)
	citationRe   = regexp.MustCompile(`\[\d+\]`)
	eventRe      = regexp.MustCompile(`\[EVENT\].*`)
	latinDevaRe  = regexp.MustCompile(`([A-Za-z])(\p{Devanagari})`)
	devaLatinRe  = regexp.MustCompile(`(\p{Devanagari})([A-Za-z])`)
	punctRe      = regexp.MustCompile(`\s*([.!?;:]+)\s*`)
	decimalRe    = regexp.MustCompile(`(\d)([.:]) (\d)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize turns a markdown-ish sentence into plain speakable text.
func Normalize(text string) string {
	s := norm.NFC.String(text)
	s = codeBlockRe.ReplaceAllString(s, "")
	s = strongRe.ReplaceAllString(s, "$1")
	s = emphasisRe.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "*", "")
	s = backtickRe.ReplaceAllString(s, "")
	s = headingRe.ReplaceAllString(s, "")
	s = citationRe.ReplaceAllString(s, "")
	s = eventRe.ReplaceAllString(s, "")
	s = latinDevaRe.ReplaceAllString(s, "$1 $2")
	s = devaLatinRe.ReplaceAllString(s, "$1 $2")
	s = punctRe.ReplaceAllString(s, "$1 ")
	// 3.14 and 10:30 are not sentence breaks
	s = decimalRe.ReplaceAllString(s, "$1$2$3")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
