package vocab

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Source yields the full set of vocabulary entries on each call.
type Source interface {
	Snapshot(ctx context.Context) ([]Entry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Entry, error)

func (f SourceFunc) Snapshot(ctx context.Context) ([]Entry, error) { return f(ctx) }

// StaticSource always returns the same entries.
type StaticSource []Entry

func (s StaticSource) Snapshot(context.Context) ([]Entry, error) {
	return append([]Entry(nil), s...), nil
}

// FileSource reads a YAML vocabulary document:
//
//	columns:
//	  programme:
//	    - value: Bachelor of Science (Honours) in Computer Science
//	      aliases: [computer science, cs]
type FileSource struct {
	Path string
}

type fileValue struct {
	Value   string   `yaml:"value"`
	Aliases []string `yaml:"aliases"`
}

type fileDoc struct {
	Columns map[string][]fileValue `yaml:"columns"`
}

func (f FileSource) Snapshot(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return ParseYAML(raw)
}

// ParseYAML decodes the FileSource document format.
func ParseYAML(raw []byte) ([]Entry, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	cols := make([]string, 0, len(doc.Columns))
	for c := range doc.Columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	var out []Entry
	for _, c := range cols {
		for _, v := range doc.Columns[c] {
			out = append(out, Entry{Column: c, Canonical: v.Value, Aliases: v.Aliases})
		}
	}
	return out, nil
}
