// Package policy enforces role-scoped visibility on classified intents.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/intent"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
)

// Role defines what records a caller may see.
type Role string

const (
	// RoleStudent may only read their own record.
	RoleStudent Role = "student"
	// RoleAdmin is unrestricted.
	RoleAdmin Role = "admin"
)

var validRoles = map[Role]struct{}{
	RoleStudent: {},
	RoleAdmin:   {},
}

// Valid reports whether the role is supported.
func (r Role) Valid() bool {
	_, ok := validRoles[r]
	return ok
}

// ParseRole normalizes s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", errs.New(errs.InvalidInput, "unknown role %q", s)
	}
	return r, nil
}

// IDColumn is the student identifier column every student query is pinned to.
const IDColumn = "id"

// Scope is the caller's access boundary, supplied by the auth layer.
type Scope struct {
	Role    Role   `json:"role"`
	OwnerID string `json:"owner_id"`
}

// Validate ensures the scope is usable before any query is authorized.
func (s Scope) Validate() error {
	if !s.Role.Valid() {
		return errs.New(errs.InvalidInput, "unknown role %q", s.Role)
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return errs.New(errs.InvalidInput, "user id required")
	}
	return nil
}

// Engine applies visibility rules. It holds no per-request state.
type Engine struct {
	hidden      map[Role]map[string]bool
	identifying map[string]bool
	fallback    []string
}

// NewEngine builds an engine from config. fallbackColumns are the columns a
// show_field fallback expands to before hidden columns are removed.
func NewEngine(cfg config.PolicyConfig, fallbackColumns []string) *Engine {
	e := &Engine{
		hidden:      map[Role]map[string]bool{RoleStudent: {}, RoleAdmin: {}},
		identifying: map[string]bool{},
		fallback:    append([]string(nil), fallbackColumns...),
	}
	cfg = cfg.Normalize()
	for _, col := range cfg.StudentHiddenColumns {
		e.hidden[RoleStudent][col] = true
	}
	for _, col := range cfg.StudentIdentifyingColumns {
		e.identifying[col] = true
	}
	return e
}

// Identifying lists the columns whose values name a single student.
func (e *Engine) Identifying() []string {
	out := make([]string, 0, len(e.identifying))
	for col := range e.identifying {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// IdentifyingIn returns the identifying columns a student's entities touch,
// either as a choice or as a candidate. Admin scope never needs them.
func (e *Engine) IdentifyingIn(ents []*resolve.Entity, scope Scope) []string {
	if scope.Role != RoleStudent {
		return nil
	}
	seen := map[string]bool{}
	for _, ent := range ents {
		if ent.Resolved() && e.identifying[ent.Column] {
			seen[ent.Column] = true
		}
		for _, c := range ent.Candidates {
			if e.identifying[c.Column] {
				seen[c.Column] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Screen limits a student's entities to values of their own record before
// anything is classified or offered as a choice. own maps each identifying
// column to the owner's value. A chosen value belonging to someone else is
// Forbidden, as is an unresolved entity left with no candidates. Other scopes
// pass through unchanged.
func (e *Engine) Screen(ents []*resolve.Entity, scope Scope, own map[string]string) ([]*resolve.Entity, error) {
	if scope.Role != RoleStudent || len(e.identifying) == 0 {
		return ents, nil
	}
	mine := func(column, value string) bool {
		if !e.identifying[column] {
			return true
		}
		v, ok := own[column]
		return ok && v != "" && strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(value))
	}
	out := make([]*resolve.Entity, 0, len(ents))
	for _, ent := range ents {
		if ent.Resolved() && !mine(ent.Column, ent.Chosen) {
			return nil, errs.New(errs.Forbidden, "students may only view their own record")
		}
		kept := ent.Clone()
		kept.Candidates = kept.Candidates[:0]
		columns := map[string]bool{}
		for _, c := range ent.Candidates {
			if mine(c.Column, c.Value) {
				kept.Candidates = append(kept.Candidates, c)
				columns[c.Column] = true
			}
		}
		if len(kept.Candidates) == 0 && !kept.Resolved() {
			return nil, errs.New(errs.Forbidden, "students may only view their own record")
		}
		if !kept.Resolved() {
			kept.Column = ""
			if len(columns) == 1 {
				kept.Column = kept.Candidates[0].Column
			}
		}
		out = append(out, kept)
	}
	return out, nil
}

// Hidden reports whether role may not see column.
func (e *Engine) Hidden(role Role, column string) bool {
	return e.hidden[role][column]
}

// Visible filters columns down to those role may see, preserving order.
func (e *Engine) Visible(role Role, columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if !e.Hidden(role, c) {
			out = append(out, c)
		}
	}
	return out
}

// Authorize checks in against scope and returns a rewritten copy. Student
// queries are pinned to the caller's own identifier; asking about anyone else,
// or about a hidden column, is Forbidden regardless of intent kind.
func (e *Engine) Authorize(in *intent.Intent, scope Scope) (*intent.Intent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	out := in.Clone()

	switch scope.Role {
	case RoleStudent:
		for _, id := range out.Identifiers {
			if id != scope.OwnerID {
				return nil, errs.New(errs.Forbidden, "students may only view their own record")
			}
		}
		if out.SubjectUser != "" && out.SubjectUser != scope.OwnerID {
			return nil, errs.New(errs.Forbidden, "students may only view their own record")
		}
		if f, ok := out.Filters[IDColumn]; ok && f.Chosen != scope.OwnerID {
			return nil, errs.New(errs.Forbidden, "students may only view their own record")
		}
		for _, l := range out.Literals {
			if l.Column == IDColumn && l.Value != scope.OwnerID {
				return nil, errs.New(errs.Forbidden, "students may only view their own record")
			}
		}
		out.SubjectUser = scope.OwnerID
	case RoleAdmin:
		if out.SubjectUser == "" && (out.Kind == intent.Count || out.Kind == intent.Aggregate) {
			out.RequiresVerification = true
		}
	}

	if out.AllFields {
		out.TargetColumns = e.Visible(scope.Role, e.fallback)
	}
	if col, ok := e.firstHidden(scope.Role, out); ok {
		return nil, errs.New(errs.Forbidden, "you are not allowed to view %s", col)
	}
	if out.SubjectUser != "" {
		out.Filters[IDColumn] = pin(out.SubjectUser)
	}
	return out, nil
}

func (e *Engine) firstHidden(role Role, in *intent.Intent) (string, bool) {
	var cols []string
	cols = append(cols, in.TargetColumns...)
	for col := range in.Filters {
		cols = append(cols, col)
	}
	for _, r := range in.Ranges {
		cols = append(cols, r.Column)
	}
	for _, l := range in.Literals {
		cols = append(cols, l.Column)
	}
	sort.Strings(cols)
	for _, c := range cols {
		if e.Hidden(role, c) {
			return c, true
		}
	}
	return "", false
}

func pin(id string) *resolve.Entity {
	e := &resolve.Entity{
		Span:       id,
		Candidates: []resolve.Candidate{{Column: IDColumn, Value: id, Confidence: 1}},
	}
	_ = e.Choose(0)
	return e
}

func (s Scope) String() string { return fmt.Sprintf("%s:%s", s.Role, s.OwnerID) }
