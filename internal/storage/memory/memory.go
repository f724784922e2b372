// Package memory evaluates structured queries against in-process fixture
// tables. It backs local runs and tests where no cluster is available.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
	"gopkg.in/yaml.v3"
)

// Store holds rows per table.
type Store struct {
	mu     sync.RWMutex
	tables map[string][]query.Row
}

var _ query.Executor = (*Store)(nil)

func New() *Store {
	return &Store{tables: map[string][]query.Row{}}
}

// Insert appends rows to a table.
func (s *Store) Insert(table string, rows ...query.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], normalizeRow(r))
	}
}

type fixtureFile struct {
	Tables map[string][]map[string]interface{} `yaml:"tables"`
}

// Load reads a YAML fixture file of the form
//
//	tables:
//	  students:
//	    - {id: 1001, name: Aina, programme: csProgramme}
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Store, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	s := New()
	for table, rows := range f.Tables {
		for _, r := range rows {
			s.Insert(strings.ToLower(table), query.Row(r))
		}
	}
	return s, nil
}

func normalizeRow(r query.Row) query.Row {
	out := make(query.Row, len(r))
	for k, v := range r {
		switch n := v.(type) {
		case int:
			v = int64(n)
		case int32:
			v = int64(n)
		case float32:
			v = float64(n)
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// Execute filters, projects and limits rows the way the column store would.
func (s *Store) Execute(ctx context.Context, q *query.Structured) (query.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Timeout, err, "")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.tables[q.Table]
	if !ok && q.Table == "" {
		return nil, errs.New(errs.SyntaxRejected, "query names no table")
	}
	var out query.Rows
	matched := 0
	for _, row := range data {
		if !matches(row, q.Where) {
			continue
		}
		matched++
		if q.Aggregate != nil && q.Aggregate.Mode == query.ServerSide {
			continue
		}
		out = append(out, project(row, q.Columns))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if q.Aggregate != nil && q.Aggregate.Mode == query.ServerSide {
		return query.Rows{{query.CountColumn: int64(matched)}}, nil
	}
	return out, nil
}

func project(row query.Row, cols []string) query.Row {
	if len(cols) == 0 {
		cp := make(query.Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		return cp
	}
	out := make(query.Row, len(cols))
	for _, c := range cols {
		out[c] = row[c]
	}
	return out
}

func matches(row query.Row, where []query.Predicate) bool {
	for _, p := range where {
		v, ok := row[p.Column]
		if !ok || v == nil {
			return false
		}
		if !compare(v, p) {
			return false
		}
	}
	return true
}

func compare(cell interface{}, p query.Predicate) bool {
	if want, ok := p.Value.(string); ok {
		got := query.CellText(cell)
		if p.Op != query.Eq {
			return false
		}
		// Text equality ignores case and accents the way the vocabulary does.
		return got == want || vocab.Normalize(got) == vocab.Normalize(want)
	}
	if want, ok := p.Value.(bool); ok {
		got, isBool := cell.(bool)
		return isBool && p.Op == query.Eq && got == want
	}
	got, ok := query.Number(cell)
	if !ok {
		return false
	}
	want, ok := query.Number(p.Value)
	if !ok {
		return false
	}
	c := got.Cmp(want)
	switch p.Op {
	case query.Eq:
		return c == 0
	case query.Gt:
		return c > 0
	case query.Gte:
		return c >= 0
	case query.Lt:
		return c < 0
	case query.Lte:
		return c <= 0
	}
	return false
}

// Values lists the distinct text values of a column across every table, for
// seeding the vocabulary in local runs.
func (s *Store) Values(column string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, rows := range s.tables {
		for _, r := range rows {
			v, ok := r[column].(string)
			if !ok || v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Source exposes the distinct values of columns as a vocabulary source.
func (s *Store) Source(columns []string) vocab.SourceFunc {
	return func(ctx context.Context) ([]vocab.Entry, error) {
		var out []vocab.Entry
		for _, col := range columns {
			for _, v := range s.Values(col) {
				out = append(out, vocab.Entry{Column: col, Canonical: v})
			}
		}
		return out, nil
	}
}
