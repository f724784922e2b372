// Package intent classifies a parsed query into what the user is asking for.
package intent

import (
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/academiq/internal/resolve"
)

// Kind is the classified purpose of a query.
type Kind string

const (
	Count     Kind = "count"
	List      Kind = "list"
	ShowField Kind = "show_field"
	Aggregate Kind = "aggregate"
	Predict   Kind = "predict"
)

// Aggregation functions for Aggregate intents.
type Aggregation string

const (
	Avg Aggregation = "avg"
	Min Aggregation = "min"
	Max Aggregation = "max"
	Sum Aggregation = "sum"
)

// Intent is a classified query. Filters hold resolved entities keyed by column;
// Pending holds entities still awaiting a user choice, in extraction order.
type Intent struct {
	Kind          Kind                       `json:"kind"`
	TargetColumns []string                   `json:"target_columns,omitempty"`
	Filters       map[string]*resolve.Entity `json:"filters,omitempty"`
	Literals      []resolve.Literal          `json:"literals,omitempty"`
	Ranges        []resolve.Range            `json:"ranges,omitempty"`
	Pending       []*resolve.Entity          `json:"-"`
	SubjectUser   string                     `json:"subject_user,omitempty"`
	Identifiers   []string                   `json:"-"`
	Aggregation   Aggregation                `json:"aggregation,omitempty"`
	// Fallback marks a show_field chosen only because an identifier was present.
	Fallback bool `json:"fallback,omitempty"`
	// AllFields asks for every visible column.
	AllFields bool `json:"all_fields,omitempty"`
	// RequiresVerification flags admin reporting queries for a confirmation step.
	RequiresVerification bool `json:"requires_verification,omitempty"`
}

// FilterValues flattens resolved filters to column -> value.
func (in *Intent) FilterValues() map[string]string {
	out := make(map[string]string, len(in.Filters))
	for col, e := range in.Filters {
		out[col] = e.Chosen
	}
	return out
}

// FilterColumns returns the filtered columns in lexical order.
func (in *Intent) FilterColumns() []string {
	out := make([]string, 0, len(in.Filters))
	for col := range in.Filters {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Validate enforces the per-kind invariants.
func (in *Intent) Validate() error {
	switch in.Kind {
	case Count, List, ShowField, Aggregate, Predict:
	default:
		return fmt.Errorf("unknown intent kind %q", in.Kind)
	}
	for col, e := range in.Filters {
		if e == nil || !e.Resolved() {
			return fmt.Errorf("filter %s is unresolved", col)
		}
	}
	if (in.Kind == Count || in.Kind == Aggregate) && len(in.Pending) > 0 {
		return fmt.Errorf("%s intent has %d unresolved entities", in.Kind, len(in.Pending))
	}
	if in.Kind == Predict && len(in.Identifiers) > 1 {
		return fmt.Errorf("predict intent names %d students", len(in.Identifiers))
	}
	if in.Kind == Predict && in.SubjectUser == "" {
		return fmt.Errorf("predict intent has no subject")
	}
	if in.Kind == Aggregate && in.Aggregation == "" {
		return fmt.Errorf("aggregate intent has no function")
	}
	return nil
}

// Clone copies the intent deeply enough for the policy engine to rewrite it.
func (in *Intent) Clone() *Intent {
	cp := *in
	cp.TargetColumns = append([]string(nil), in.TargetColumns...)
	cp.Literals = append([]resolve.Literal(nil), in.Literals...)
	cp.Ranges = append([]resolve.Range(nil), in.Ranges...)
	cp.Identifiers = append([]string(nil), in.Identifiers...)
	cp.Filters = make(map[string]*resolve.Entity, len(in.Filters))
	for k, v := range in.Filters {
		cp.Filters[k] = v.Clone()
	}
	cp.Pending = make([]*resolve.Entity, 0, len(in.Pending))
	for _, e := range in.Pending {
		cp.Pending = append(cp.Pending, e.Clone())
	}
	return &cp
}
