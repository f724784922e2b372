// Package vocab holds the immutable vocabulary of known column values used for
// entity resolution, and the machinery that refreshes it.
package vocab

import (
	"fmt"
	"sort"
	"strings"
)

// FieldColumn is the pseudo-column whose entries name schema columns.
const FieldColumn = "field"

// Entry is one known value of a column together with its aliases.
type Entry struct {
	Column    string   `yaml:"column" json:"column"`
	Canonical string   `yaml:"value" json:"value"`
	Aliases   []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Forms returns the normalized canonical value followed by its normalized aliases.
func (e Entry) Forms() []string {
	out := make([]string, 0, 1+len(e.Aliases))
	seen := make(map[string]struct{}, 1+len(e.Aliases))
	for _, s := range append([]string{e.Canonical}, e.Aliases...) {
		n := Normalize(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// IndexOptions controls optional shortlist indexes for large columns.
type IndexOptions struct {
	// ShortlistThreshold is the column size from which a bleve shortlist is built. Zero disables it.
	ShortlistThreshold int
	// ShortlistSize caps the entries a shortlist query returns.
	ShortlistSize int
}

// Index is an immutable snapshot of the vocabulary. It is never mutated after
// NewIndex returns; refreshes build a new Index and swap it in a Holder.
type Index struct {
	columns    map[string][]Entry
	exact      map[string][]Entry
	shortlists map[string]*shortlist
	size       int
}

// NewIndex validates and indexes entries. Duplicate (column, value) pairs are merged.
func NewIndex(entries []Entry, opts IndexOptions) (*Index, error) {
	type key struct{ column, value string }
	merged := make(map[key]*Entry)
	var order []key
	for _, e := range entries {
		col := strings.ToLower(strings.TrimSpace(e.Column))
		val := strings.TrimSpace(e.Canonical)
		if col == "" {
			return nil, fmt.Errorf("vocabulary entry %q has no column", e.Canonical)
		}
		if val == "" {
			return nil, fmt.Errorf("vocabulary entry in column %q has no value", col)
		}
		k := key{col, val}
		if cur, ok := merged[k]; ok {
			cur.Aliases = append(cur.Aliases, e.Aliases...)
			continue
		}
		merged[k] = &Entry{Column: col, Canonical: val, Aliases: append([]string(nil), e.Aliases...)}
		order = append(order, k)
	}

	idx := &Index{
		columns:    make(map[string][]Entry),
		exact:      make(map[string][]Entry),
		shortlists: make(map[string]*shortlist),
	}
	for _, k := range order {
		e := *merged[k]
		e.Aliases = dedupAliases(e.Canonical, e.Aliases)
		idx.columns[e.Column] = append(idx.columns[e.Column], e)
		for _, form := range e.Forms() {
			idx.exact[form] = append(idx.exact[form], e)
		}
		idx.size++
	}
	for col, list := range idx.columns {
		sort.Slice(list, func(i, j int) bool { return list[i].Canonical < list[j].Canonical })
		if opts.ShortlistThreshold > 0 && len(list) >= opts.ShortlistThreshold {
			sl, err := buildShortlist(list, opts.ShortlistSize)
			if err != nil {
				return nil, fmt.Errorf("shortlist %s: %w", col, err)
			}
			idx.shortlists[col] = sl
		}
	}
	return idx, nil
}

func dedupAliases(canonical string, aliases []string) []string {
	seen := map[string]struct{}{Normalize(canonical): {}}
	var out []string
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		n := Normalize(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Columns lists indexed columns in lexical order.
func (x *Index) Columns() []string {
	out := make([]string, 0, len(x.columns))
	for c := range x.columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Has reports whether column is indexed.
func (x *Index) Has(column string) bool {
	_, ok := x.columns[column]
	return ok
}

// Entries returns the entries of column. The slice must not be modified.
func (x *Index) Entries(column string) []Entry { return x.columns[column] }

// Size is the total number of entries.
func (x *Index) Size() int { return x.size }

// Lookup returns the entries whose canonical value or an alias normalizes to form.
func (x *Index) Lookup(form string) []Entry { return x.exact[Normalize(form)] }

// LookupColumn is Lookup restricted to one column.
func (x *Index) LookupColumn(column, form string) (Entry, bool) {
	for _, e := range x.Lookup(form) {
		if e.Column == column {
			return e, true
		}
	}
	return Entry{}, false
}

// Candidates returns the entries worth scoring for span in column: the bleve
// shortlist for large columns, or every entry when the shortlist is absent or empty.
func (x *Index) Candidates(column, span string) []Entry {
	all := x.columns[column]
	sl, ok := x.shortlists[column]
	if !ok {
		return all
	}
	ids, err := sl.search(span)
	if err != nil || len(ids) == 0 {
		return all
	}
	out := make([]Entry, 0, len(ids))
	for _, i := range ids {
		out = append(out, all[i])
	}
	return out
}
