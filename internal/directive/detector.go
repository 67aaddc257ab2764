// Package directive finds draw_molecule tool calls embedded in generated text.
//
// Scan is a pure function over an immutable snapshot. It reports the matched
// byte span so the caller can splice it out of its own buffer; nothing here
// mutates state.
package directive

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the record kind emitted for diagram requests.
const Kind = "render-diagram"

const toolName = "draw_molecule"

var (
	fencedObject = regexp.MustCompile("(?i)```(?:json)?\\s*\\{[\\s\\S]*?\\}\\s*```")
	toolMarker   = regexp.MustCompile(`"tool"\s*:\s*"draw_molecule"`)
)

// Target is one structure to draw. Identifier is a SMILES string.
type Target struct {
	Name       string `json:"name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// Record is a normalized diagram request. Exactly one of Target and Items is set.
type Record struct {
	Kind   string   `json:"kind"`
	Target *Target  `json:"target,omitempty"`
	Items  []Target `json:"items,omitempty"`
}

// Targets returns the record's targets in order regardless of shape.
func (r Record) Targets() []Target {
	if r.Target != nil {
		return []Target{*r.Target}
	}
	return r.Items
}

// Multi reports whether the record carries an ordered list of targets.
func (r Record) Multi() bool { return r.Target == nil }

// Span is a half-open byte range [Start, End) into the scanned snapshot.
type Span struct {
	Start int
	End   int
}

// Scan looks for a directive in snapshot. Fenced blocks are tried first, then
// bare objects outside any fence. Malformed payloads are skipped, so the text
// stays where it is and reaches the client as ordinary text.
func Scan(snapshot string) (Record, Span, bool) {
	fences := fencedObject.FindAllStringIndex(snapshot, -1)
	for _, loc := range fences {
		if rec, ok := parse(stripFence(snapshot[loc[0]:loc[1]])); ok {
			return rec, Span{Start: loc[0], End: loc[1]}, true
		}
	}
	if !toolMarker.MatchString(snapshot) {
		return Record{}, Span{}, false
	}
	for i := 0; i < len(snapshot); i++ {
		if snapshot[i] != '{' || insideAny(i, fences) {
			continue
		}
		end, ok := matchBrace(snapshot, i)
		if !ok {
			continue
		}
		obj := snapshot[i:end]
		if !toolMarker.MatchString(obj) {
			continue
		}
		if rec, ok := parse(obj); ok {
			return rec, Span{Start: i, End: end}, true
		}
	}
	return Record{}, Span{}, false
}

func insideAny(i int, spans [][]int) bool {
	for _, s := range spans {
		if i >= s[0] && i < s[1] {
			return true
		}
	}
	return false
}

func stripFence(block string) string {
	s := strings.TrimSpace(block)
	s = strings.TrimPrefix(s, "```")
	if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
		s = s[4:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// matchBrace returns the index just past the '}' closing the object opened at
// open, honoring JSON string quoting.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func parse(payload string) (Record, bool) {
	payload = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(payload)
	if !gjson.Valid(payload) {
		return Record{}, false
	}
	doc := gjson.Parse(payload)
	if !doc.IsObject() || doc.Get("tool").String() != toolName {
		return Record{}, false
	}
	if items := doc.Get("items"); items.IsArray() {
		var targets []Target
		items.ForEach(func(_, item gjson.Result) bool {
			if t, ok := target(item); ok {
				targets = append(targets, t)
			}
			return true
		})
		if len(targets) > 0 {
			return Record{Kind: Kind, Items: targets}, true
		}
	}
	t, ok := target(doc)
	if !ok {
		return Record{}, false
	}
	return Record{Kind: Kind, Target: &t}, true
}

func target(obj gjson.Result) (Target, bool) {
	if !obj.IsObject() {
		return Target{}, false
	}
	t := Target{
		Name:       strings.TrimSpace(obj.Get("name").String()),
		Identifier: strings.TrimSpace(obj.Get("smiles").String()),
	}
	if t.Identifier == "" {
		t.Identifier = strings.TrimSpace(obj.Get("identifier").String())
	}
	if t.Name == "" && t.Identifier == "" {
		return Target{}, false
	}
	return t, true
}
