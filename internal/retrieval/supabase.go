package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
	"github.com/tidwall/gjson"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	// Function is the pgvector RPC, match_documents by default.
	Function string
}

// Supabase searches a pgvector table through a match RPC that returns rows of
// {content, metadata: {source, page}, similarity}.
type Supabase struct {
	client   *supabase.Client
	fn       string
	embedder Embedder
}

func NewSupabase(cfg SupabaseConfig, embedder Embedder) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("%w: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required", ErrUnavailable)
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: supabase client: %v", ErrUnavailable, err)
	}
	fn := cfg.Function
	if fn == "" {
		fn = "match_documents"
	}
	return &Supabase{client: client, fn: fn, embedder: embedder}, nil
}

func (s *Supabase) Search(ctx context.Context, query string, k int) Result {
	if s.embedder == nil {
		return unavailable(fmt.Errorf("%w: no embedder configured", ErrUnavailable))
	}
	if k <= 0 {
		k = DefaultTopK
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return transient(fmt.Errorf("retrieval: embed query: %w", err))
	}
	if len(vecs) != 1 {
		return transient(fmt.Errorf("retrieval: embedder returned %d vectors", len(vecs)))
	}
	if err := ctx.Err(); err != nil {
		return transient(err)
	}
	// the client reports failures as the returned text
	raw := s.client.Rpc(s.fn, "", map[string]any{
		"query_embedding": vecs[0],
		"match_count":     k,
	})
	snips, err := parseMatches(raw)
	if err != nil {
		return transient(err)
	}
	return found(snips)
}

func parseMatches(raw string) ([]Snippet, error) {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("supabase rpc: %s", raw)
	}
	res := gjson.Parse(raw)
	if !res.IsArray() {
		if msg := res.Get("message").String(); msg != "" {
			return nil, errors.New("supabase rpc: " + msg)
		}
		return nil, fmt.Errorf("supabase rpc: unexpected response %s", raw)
	}
	var out []Snippet
	res.ForEach(func(_, row gjson.Result) bool {
		text := row.Get("content").String()
		if strings.TrimSpace(text) == "" {
			return true
		}
		out = append(out, Snippet{
			Text:   text,
			Source: row.Get("metadata.source").String(),
			Page:   int(row.Get("metadata.page").Int()),
			Score:  row.Get("similarity").Float(),
		})
		return true
	})
	return out, nil
}
