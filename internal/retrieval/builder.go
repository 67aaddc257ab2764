package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/ledongthuc/pdf"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
	defaultEmbedBatch   = 64
)

var defaultSeparators = []string{"\n\n", "\n", ".", "!", "?", ",", " ", ""}

// Splitter cuts text into chunks of at most Size runes, preferring the
// earliest separator in Separators that occurs in the text. Consecutive
// chunks share up to Overlap runes.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Splitter{Size: size, Overlap: overlap, Separators: defaultSeparators}
}

func (s *Splitter) Split(text string) []string {
	var out []string
	for _, c := range s.split(text, s.Separators) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (s *Splitter) split(text string, seps []string) []string {
	if runeLen(text) <= s.Size {
		return []string{text}
	}
	sep, rest := "", []string(nil)
	for i, candidate := range seps {
		if candidate == "" || strings.Contains(text, candidate) {
			sep, rest = candidate, seps[i+1:]
			break
		}
	}
	var pieces []string
	if sep == "" {
		pieces = splitRunes(text, s.Size)
	} else {
		pieces = strings.SplitAfter(text, sep)
	}

	var out, small []string
	for _, p := range pieces {
		if runeLen(p) <= s.Size {
			small = append(small, p)
			continue
		}
		out = append(out, s.merge(small)...)
		small = nil
		out = append(out, s.split(p, rest)...)
	}
	return append(out, s.merge(small)...)
}

// merge packs pieces greedily, carrying a tail of up to Overlap runes into the
// next chunk.
func (s *Splitter) merge(pieces []string) []string {
	var out, cur []string
	total := 0
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.Size && len(cur) > 0 {
			out = append(out, strings.Join(cur, ""))
			for len(cur) > 0 && (total > s.Overlap || total+n > s.Size) {
				total -= runeLen(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, ""))
	}
	return out
}

func splitRunes(s string, n int) []string {
	r := []rune(s)
	var out []string
	for len(r) > n {
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// Builder chunks and embeds a directory of text documents.
type Builder struct {
	Embedder  Embedder
	Splitter  *Splitter
	BatchSize int
}

var indexedExts = map[string]bool{".txt": true, ".md": true, ".markdown": true, ".pdf": true}

// Build walks dir and returns embedded chunks. PDF pages keep their page
// numbers; in text files pages are separated by form feeds. Pages count
// from 1.
func (b *Builder) Build(ctx context.Context, dir string) ([]Chunk, error) {
	if b.Embedder == nil {
		return nil, fmt.Errorf("retrieval: builder needs an embedder")
	}
	sp := b.Splitter
	if sp == nil {
		sp = NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	}
	var chunks []Chunk
	var bytesRead int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !indexedExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		pages, size, err := readPages(path)
		if err != nil {
			return err
		}
		bytesRead += size
		rel, _ := filepath.Rel(dir, path)
		n := 0
		for page, text := range pages {
			for _, c := range sp.Split(norm.NFC.String(text)) {
				chunks = append(chunks, Chunk{Snippet: Snippet{Text: c, Source: filepath.ToSlash(rel), Page: page + 1}})
				n++
			}
		}
		log.Debug("retrieval: chunked", "file", rel, "pages", len(pages), "chunks", n)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: walk %s: %w", dir, err)
	}
	log.Info("retrieval: chunking done", "chunks", len(chunks), "read", humanize.Bytes(uint64(bytesRead)))

	batch := b.BatchSize
	if batch <= 0 {
		batch = defaultEmbedBatch
	}
	for i := 0; i < len(chunks); i += batch {
		end := min(i+batch, len(chunks))
		texts := make([]string, 0, end-i)
		for _, c := range chunks[i:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := b.Embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("retrieval: embed [%d:%d]: %w", i, end, err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("retrieval: embedder returned %d vectors for %d chunks", len(vecs), len(texts))
		}
		for j, v := range vecs {
			chunks[i+j].Vector = v
		}
	}
	return chunks, nil
}

// readPages returns a document's text page by page and its size on disk.
func readPages(path string) ([]string, int64, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return strings.Split(string(data), "\f"), int64(len(data)), nil
}

func readPDF(path string) ([]string, int64, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	pages := make([]string, r.NumPage())
	for i := range pages {
		p := r.Page(i + 1)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			log.Warn("retrieval: pdf page skipped", "file", path, "page", i+1, "err", err)
			continue
		}
		pages[i] = text
	}
	return pages, size, nil
}

// BuildFile builds from dir and writes the index to out.
func (b *Builder) BuildFile(ctx context.Context, dir, out string) (int, error) {
	chunks, err := b.Build(ctx, dir)
	if err != nil {
		return 0, err
	}
	if err := WriteIndex(out, b.Embedder.Model(), chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
