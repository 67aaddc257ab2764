package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"
)

const indexVersion = 1

// Chunk is a stored passage with its embedding.
type Chunk struct {
	Snippet `msgpack:",inline"`
	Vector  []float32 `msgpack:"vector"`
}

// indexFile is the on-disk layout.
type indexFile struct {
	Version int     `msgpack:"version"`
	Model   string  `msgpack:"model"`
	Dim     int     `msgpack:"dim"`
	Chunks  []Chunk `msgpack:"chunks"`
}

// LocalIndex is a brute-force cosine index loaded from a msgpack file.
// A missing or unreadable file leaves the index unavailable until Reload
// succeeds.
type LocalIndex struct {
	path     string
	embedder Embedder

	mu     sync.RWMutex
	chunks []Chunk
	model  string
	dim    int
	err    error
}

// OpenLocal loads path. The returned index is usable even when err is
// non-nil; it reports KindUnavailable until a Reload succeeds.
func OpenLocal(path string, embedder Embedder) (*LocalIndex, error) {
	idx := &LocalIndex{path: path, embedder: embedder}
	return idx, idx.Reload()
}

func (l *LocalIndex) Reload() error {
	f, err := readIndex(l.path)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.chunks, l.err = nil, err
		return err
	}
	if l.embedder != nil && f.Model != "" && f.Model != l.embedder.Model() {
		log.Warn("retrieval: index built with a different embedding model", "index", f.Model, "embedder", l.embedder.Model())
	}
	l.chunks, l.model, l.dim, l.err = f.Chunks, f.Model, f.Dim, nil
	return nil
}

func readIndex(path string) (*indexFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var f indexFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	if f.Version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", ErrUnavailable, f.Version)
	}
	log.Info("retrieval: index loaded", "path", path, "chunks", len(f.Chunks), "size", humanize.Bytes(uint64(len(data))))
	return &f, nil
}

// WriteIndex stores chunks at path atomically.
func WriteIndex(path, model string, chunks []Chunk) error {
	dim := 0
	if len(chunks) > 0 {
		dim = len(chunks[0].Vector)
	}
	data, err := msgpack.Marshal(indexFile{Version: indexVersion, Model: model, Dim: dim, Chunks: chunks})
	if err != nil {
		return fmt.Errorf("retrieval: encode index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *LocalIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chunks)
}

func (l *LocalIndex) Search(ctx context.Context, query string, k int) Result {
	l.mu.RLock()
	chunks, loadErr := l.chunks, l.err
	l.mu.RUnlock()
	if loadErr != nil {
		return unavailable(loadErr)
	}
	if l.embedder == nil {
		return unavailable(fmt.Errorf("%w: no embedder configured", ErrUnavailable))
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if len(chunks) == 0 {
		return found(nil)
	}
	vecs, err := l.embedder.Embed(ctx, []string{query})
	if err != nil {
		return transient(fmt.Errorf("retrieval: embed query: %w", err))
	}
	if len(vecs) != 1 {
		return transient(fmt.Errorf("retrieval: embedder returned %d vectors", len(vecs)))
	}
	return found(topK(vecs[0], chunks, k))
}

func topK(query []float32, chunks []Chunk, k int) []Snippet {
	type scored struct {
		i     int
		score float64
	}
	res := make([]scored, 0, len(chunks))
	for i, c := range chunks {
		s := cosineSimilarity(query, c.Vector)
		if s <= 0 {
			continue
		}
		res = append(res, scored{i: i, score: s})
	}
	sort.SliceStable(res, func(a, b int) bool { return res[a].score > res[b].score })
	if len(res) > k {
		res = res[:k]
	}
	out := make([]Snippet, len(res))
	for j, r := range res {
		out[j] = chunks[r.i].Snippet
		out[j].Score = r.score
	}
	return out
}

// cosineSimilarity is in [-1, 1]; mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s))
}
