// Package molecule resolves chemical names to SMILES and renders structure
// diagrams.
package molecule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chadiek/chemtutor/internal/cache"
)

const DefaultOPSINURL = "https://opsin.ch.cam.ac.uk/opsin"

var ErrUnresolved = errors.New("molecule: could not resolve structure")

type Source string

const (
	SourceCurated   Source = "curated"
	SourceCandidate Source = "llm"
	SourceOPSIN     Source = "opsin"
)

type Resolution struct {
	Name   string `json:"name,omitempty"`
	SMILES string `json:"smiles"`
	Source Source `json:"source"`
}

// Resolver picks the most reliable SMILES for a name and candidate pair:
// the curated table first, then a syntactically valid candidate, then an
// OPSIN name lookup.
type Resolver struct {
	Table      *Table
	HTTPClient *http.Client
	// OPSINURL is the service root; empty disables network lookups.
	OPSINURL string

	lookups *cache.Memory
	logger  *log.Logger
}

func NewResolver(table *Table, opsinURL string) *Resolver {
	if table == nil {
		table = NewTable(nil)
	}
	return &Resolver{
		Table:      table,
		HTTPClient: &http.Client{Timeout: 6 * time.Second},
		OPSINURL:   strings.TrimRight(opsinURL, "/"),
		lookups:    cache.NewMemory(256 << 10),
		logger:     log.WithPrefix("molecule"),
	}
}

func (r *Resolver) Resolve(ctx context.Context, name, candidate string) (Resolution, error) {
	name = strings.TrimSpace(name)
	candidate = strings.TrimSpace(candidate)
	if name != "" {
		if s, ok := r.Table.Lookup(name); ok {
			return Resolution{Name: name, SMILES: s, Source: SourceCurated}, nil
		}
	}
	if ValidSMILES(candidate) {
		return Resolution{Name: name, SMILES: candidate, Source: SourceCandidate}, nil
	}
	if name != "" && r.OPSINURL != "" {
		s, err := r.opsin(ctx, name)
		if err == nil {
			return Resolution{Name: name, SMILES: s, Source: SourceOPSIN}, nil
		}
		r.logger.Warn("opsin lookup failed", "name", name, "err", err)
	}
	return Resolution{Name: name}, fmt.Errorf("%w: name=%q", ErrUnresolved, name)
}

func (r *Resolver) opsin(ctx context.Context, name string) (string, error) {
	key := normalizeName(name)
	if b, ok := r.lookups.Get(key); ok {
		return string(b), nil
	}
	u := r.OPSINURL + "/" + url.PathEscape(name) + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("opsin: status=%d", resp.StatusCode)
	}
	var out struct {
		SMILES string `json:"smiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("opsin: decode: %w", err)
	}
	if !ValidSMILES(out.SMILES) {
		return "", fmt.Errorf("opsin: invalid smiles %q", out.SMILES)
	}
	_ = r.lookups.Put(key, []byte(out.SMILES))
	return out.SMILES, nil
}

// ValidSMILES is a syntactic check: organic-subset or bracket atoms, balanced
// branches, and paired ring closures. It does not check valence.
func ValidSMILES(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	depth, atoms := 0, 0
	rings := map[string]int{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 2 || strings.ContainsAny(s[i+1:i+end], "[(") {
				return false
			}
			i += end
			atoms++
		case c == '(':
			if atoms == 0 {
				return false
			}
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return false
			}
		case c >= '0' && c <= '9':
			if atoms == 0 {
				return false
			}
			rings[string(c)]++
		case c == '%':
			if i+2 >= len(s) || !isDigit(s[i+1]) || !isDigit(s[i+2]) {
				return false
			}
			rings[s[i:i+3]]++
			i += 2
		case strings.IndexByte("-=#$:/\\.", c) >= 0:
		case c == 'C' && i+1 < len(s) && s[i+1] == 'l', c == 'B' && i+1 < len(s) && s[i+1] == 'r':
			i++
			atoms++
		case strings.IndexByte("BCNOPSFIbcnops", c) >= 0:
			atoms++
		case c == '*':
			atoms++
		default:
			return false
		}
	}
	if depth != 0 || atoms == 0 {
		return false
	}
	for _, n := range rings {
		if n%2 != 0 {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
