package molecule

import (
	"strings"
	"sync"
)

// curated maps lowercase common names to SMILES that are known to draw well.
var curated = map[string]string{
	"water":             "O",
	"ammonia":           "N",
	"hydrogen peroxide": "OO",
	"carbon dioxide":    "O=C=O",
	"carbon monoxide":   "[C-]#[O+]",

	"methane":   "C",
	"ethane":    "CC",
	"propane":   "CCC",
	"ethene":    "C=C",
	"ethylene":  "C=C",
	"acetylene": "C#C",

	"methanol":    "CO",
	"ethanol":     "CCO",
	"isopropanol": "CC(O)C",
	"phenol":      "Oc1ccccc1",

	"formaldehyde":   "C=O",
	"acetaldehyde":   "CC=O",
	"ethanal":        "CC=O",
	"acetone":        "CC(=O)C",
	"acetic acid":    "CC(=O)O",
	"methyl acetate": "CC(=O)OC",

	"benzene": "c1ccccc1",
	"toluene": "Cc1ccccc1",

	"nitric acid":   "O[N+]([O-])=O",
	"sulfuric acid": "OS(=O)(=O)O",
}

// Table is a concurrent name to SMILES lookup seeded with the curated set.
type Table struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewTable(extra map[string]string) *Table {
	t := &Table{names: make(map[string]string, len(curated)+len(extra))}
	for k, v := range curated {
		t.names[k] = v
	}
	t.Merge(extra)
	return t
}

// Merge adds or replaces entries. Entries with an invalid SMILES are ignored.
func (t *Table) Merge(extra map[string]string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, v := range extra {
		k, v = normalizeName(k), strings.TrimSpace(v)
		if k == "" || !ValidSMILES(v) {
			continue
		}
		t.names[k] = v
		n++
	}
	return n
}

func (t *Table) Lookup(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.names[normalizeName(name)]
	return s, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
