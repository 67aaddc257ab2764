// Package retrieval looks up reference passages for a user question.
//
// A search never fails with an error value. The outcome is carried by
// Result.Kind so callers can tell "nothing relevant" from "no index at all"
// from "try again".
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultTopK             = 3
	DefaultMaxContextLength = 300

	NoContext = "(no relevant context found)"
)

// ErrUnavailable is returned by constructors when the backing index cannot be
// opened. Search reports the same condition as KindUnavailable.
var ErrUnavailable = errors.New("retrieval: index unavailable")

type Kind int

const (
	KindFound Kind = iota
	KindEmpty
	KindUnavailable
	KindTransientFailure
)

func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindEmpty:
		return "empty"
	case KindUnavailable:
		return "unavailable"
	case KindTransientFailure:
		return "transient_failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Snippet is one retrieved passage. Source is the originating file path or
// name, Page is 0 when unknown.
type Snippet struct {
	Text   string  `msgpack:"text" json:"text"`
	Source string  `msgpack:"source" json:"source,omitempty"`
	Page   int     `msgpack:"page" json:"page,omitempty"`
	Score  float64 `msgpack:"-" json:"score"`
}

type Result struct {
	Kind     Kind
	Snippets []Snippet
	// Err is set for KindUnavailable and KindTransientFailure.
	Err error
}

// Retriever finds the k passages most relevant to query.
type Retriever interface {
	Search(ctx context.Context, query string, k int) Result
}

func found(snips []Snippet) Result {
	if len(snips) == 0 {
		return Result{Kind: KindEmpty}
	}
	return Result{Kind: KindFound, Snippets: snips}
}

func unavailable(err error) Result { return Result{Kind: KindUnavailable, Err: err} }

func transient(err error) Result { return Result{Kind: KindTransientFailure, Err: err} }

// ContextText joins the snippets for the prompt. Each snippet is flattened to
// one line and cut to maxLen characters.
func (r Result) ContextText(maxLen int) string {
	if len(r.Snippets) == 0 {
		return NoContext
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxContextLength
	}
	blocks := make([]string, 0, len(r.Snippets))
	for _, s := range r.Snippets {
		text := strings.Join(strings.Fields(s.Text), " ")
		if text == "" {
			continue
		}
		blocks = append(blocks, truncateRunes(text, maxLen))
	}
	if len(blocks) == 0 {
		return NoContext
	}
	return strings.Join(blocks, "\n\n")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}

// Labeler names a snippet that has no file metadata. It returns "" when it
// has no opinion.
type Labeler func(snippet string) string

// References renders numbered source labels, one per snippet, starting at [1].
func (r Result) References(label Labeler) []string {
	out := make([]string, 0, len(r.Snippets))
	for i, s := range r.Snippets {
		out = append(out, reference(i+1, s, label))
	}
	return out
}

func reference(idx int, s Snippet, label Labeler) string {
	if s.Source != "" {
		name := DisplayName(s.Source)
		if s.Page > 0 {
			return fmt.Sprintf("[%d] %s, page %d", idx, name, s.Page)
		}
		return fmt.Sprintf("[%d] %s", idx, name)
	}
	topic := ""
	if label != nil {
		topic = label(s.Text)
	}
	if topic == "" {
		topic = "General Chemistry"
	}
	return fmt.Sprintf("[%d] Chemistry Reference - %s", idx, topic)
}

// DisplayName turns "docs/organic_chem-notes.pdf" into "Organic Chem Notes".
func DisplayName(source string) string {
	base := filepath.Base(filepath.ToSlash(source))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	words := strings.Fields(base)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// KeywordLabeler picks the first topic whose keyword occurs in the snippet.
// Topics are checked in the order given.
func KeywordLabeler(topics []Topic) Labeler {
	return func(snippet string) string {
		lower := strings.ToLower(snippet)
		for _, t := range topics {
			for _, kw := range t.Keywords {
				if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
					return t.Label
				}
			}
		}
		return ""
	}
}

type Topic struct {
	Label    string   `mapstructure:"label" json:"label"`
	Keywords []string `mapstructure:"keywords" json:"keywords"`
}

// DefaultTopics mirrors the labels the tutor has always shown.
var DefaultTopics = []Topic{
	{Label: "Byju's Chemistry Reference", Keywords: []string{"byjus.com"}},
	{Label: "Chemical Formulas", Keywords: []string{"formula", "g/mol"}},
	{Label: "Organic Chemistry", Keywords: []string{"organic"}},
	{Label: "Molecular Structure", Keywords: []string{"molecule", "structure"}},
	{Label: "Chemical Reactions", Keywords: []string{"reaction", "bond"}},
	{Label: "General Chemistry", Keywords: []string{"chemistry"}},
}
