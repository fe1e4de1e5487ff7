// Package symindex provides name lookups over the symbols of a report.
// Symbols are keyed by their demangled qualified name, and by their raw
// name when it differs, so that both "Hardware::UART" and "_ZN8Hardware"
// find the same entries.
package symindex

import (
	"sort"

	"github.com/derekparker/trie"

	"github.com/membrowse/membrowse-action/pkg/report"
)

// Index is a prefix tree over symbol names. It is read-only once built.
type Index struct {
	symbols []report.Symbol
	t       *trie.Trie
	byKey   map[string][]int
}

// New indexes symbols. The slice is retained and must not be modified.
func New(symbols []report.Symbol) *Index {
	x := &Index{symbols: symbols, t: trie.New(), byKey: map[string][]int{}}
	for i := range symbols {
		s := &symbols[i]
		qn := s.Demangled.QualifiedName()
		if qn == "" {
			qn = s.Name
		}
		x.add(qn, i)
		if s.Name != qn {
			x.add(s.Name, i)
		}
	}
	return x
}

func (x *Index) add(key string, i int) {
	if key == "" {
		return
	}
	if _, ok := x.byKey[key]; !ok {
		x.t.Add(key, nil)
	}
	x.byKey[key] = append(x.byKey[key], i)
}

// Len returns the number of distinct keys.
func (x *Index) Len() int { return len(x.byKey) }

// Lookup returns the symbols whose qualified or raw name is name.
func (x *Index) Lookup(name string) []report.Symbol {
	return x.collect([]string{name})
}

// WithPrefix returns the symbols with a name starting with prefix, in
// report order. An empty prefix returns every symbol.
func (x *Index) WithPrefix(prefix string) []report.Symbol {
	if !x.t.HasKeysWithPrefix(prefix) {
		return nil
	}
	return x.collect(x.t.PrefixSearch(prefix))
}

// Fuzzy returns the symbols whose name contains the characters of
// pattern in order, in report order.
func (x *Index) Fuzzy(pattern string) []report.Symbol {
	return x.collect(x.t.FuzzySearch(pattern))
}

// Complete returns the keys starting with prefix, sorted.
func (x *Index) Complete(prefix string) []string {
	if !x.t.HasKeysWithPrefix(prefix) {
		return nil
	}
	keys := x.t.PrefixSearch(prefix)
	sort.Strings(keys)
	return keys
}

func (x *Index) collect(keys []string) []report.Symbol {
	seen := map[int]bool{}
	var idx []int
	for _, k := range keys {
		for _, i := range x.byKey[k] {
			if !seen[i] {
				seen[i] = true
				idx = append(idx, i)
			}
		}
	}
	if len(idx) == 0 {
		return nil
	}
	sort.Ints(idx)
	out := make([]report.Symbol, len(idx))
	for j, i := range idx {
		out[j] = x.symbols[i]
	}
	return out
}
