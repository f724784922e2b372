package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/intent"
	"github.com/mohammad-safakhou/academiq/internal/policy"
)

// Limits bounds every query the builder emits.
type Limits struct {
	DefaultLimit    int
	MaxRows         int
	MaxScanRows     int
	AggregateWindow int
	AllowAdminScan  bool
}

// LimitsFromConfig maps query and policy config onto Limits.
func LimitsFromConfig(q config.QueryConfig, p config.PolicyConfig) Limits {
	return Limits{
		DefaultLimit:    q.DefaultLimit,
		MaxRows:         q.MaxRows,
		MaxScanRows:     q.MaxScanRows,
		AggregateWindow: q.AggregateWindow,
		AllowAdminScan:  p.AllowAdminScan,
	}
}

func DefaultLimits() Limits {
	return Limits{DefaultLimit: 100, MaxRows: 1000, MaxScanRows: 5000, AggregateWindow: 10000, AllowAdminScan: true}
}

// predictColumns are read for an outcome projection.
var predictColumns = []string{"id", "name", "programme", "overallcgpa", "awardclassification"}

// Builder compiles intents. It is stateless and safe for concurrent use.
type Builder struct {
	schema *Schema
	limits Limits
}

func NewBuilder(schema *Schema, limits Limits) *Builder {
	return &Builder{schema: schema, limits: limits}
}

func (b *Builder) Schema() *Schema { return b.schema }

// Build turns an authorized intent into a Structured query. Student scope is
// re-asserted here: the owner predicate is always present and cannot be
// replaced by anything the intent carries.
func (b *Builder) Build(in *intent.Intent, scope policy.Scope) (*Structured, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if len(in.Pending) > 0 {
		return nil, errs.New(errs.Internal, "query has unresolved entities")
	}
	if err := in.Validate(); err != nil {
		return nil, errs.Wrap(errs.Unclassifiable, err, "")
	}
	if scope.Role == policy.RoleStudent && in.SubjectUser != scope.OwnerID {
		return nil, errs.New(errs.Forbidden, "students may only view their own record")
	}

	table, err := b.schema.TableFor(referenced(in))
	if err != nil {
		return nil, err
	}
	q := &Structured{Kind: in.Kind, Table: table.Name}

	where, err := b.predicates(in, table, scope)
	if err != nil {
		return nil, err
	}
	q.Where = where

	if err := b.restrict(q, table, in, scope); err != nil {
		return nil, err
	}
	if err := b.shape(q, table, in); err != nil {
		return nil, err
	}
	q.Render()
	return q, nil
}

// Owned builds a read of the caller's own values for columns, keyed by the
// caller's identifier.
func (b *Builder) Owned(scope policy.Scope, columns []string) (*Structured, error) {
	in := &intent.Intent{Kind: intent.ShowField, TargetColumns: columns, SubjectUser: scope.OwnerID}
	q, err := b.Build(in, scope)
	if err != nil {
		return nil, err
	}
	q.Limit = 1
	q.Render()
	return q, nil
}

func referenced(in *intent.Intent) []string {
	seen := map[string]bool{}
	var cols []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	if in.Kind == intent.Predict {
		for _, c := range predictColumns {
			add(c)
		}
	}
	for _, c := range in.TargetColumns {
		add(c)
	}
	for _, c := range in.FilterColumns() {
		add(c)
	}
	for _, r := range in.Ranges {
		add(r.Column)
	}
	for _, l := range in.Literals {
		add(l.Column)
	}
	return cols
}

func (b *Builder) predicates(in *intent.Intent, table *Table, scope policy.Scope) ([]Predicate, error) {
	var out []Predicate
	owner := ""
	if scope.Role == policy.RoleStudent {
		owner = scope.OwnerID
	} else if in.SubjectUser != "" {
		owner = in.SubjectUser
	}
	if owner != "" {
		v, err := typed(table, policy.IDColumn, owner)
		if err != nil {
			return nil, err
		}
		out = append(out, Predicate{Column: policy.IDColumn, Op: Eq, Value: v})
	}
	for _, col := range in.FilterColumns() {
		if col == policy.IDColumn {
			continue
		}
		v, err := typed(table, col, in.Filters[col].Chosen)
		if err != nil {
			return nil, err
		}
		out = append(out, Predicate{Column: col, Op: Eq, Value: v})
	}
	for _, l := range in.Literals {
		if l.Column == policy.IDColumn {
			continue
		}
		v, err := typed(table, l.Column, l.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Predicate{Column: l.Column, Op: Eq, Value: v})
	}
	for _, r := range in.Ranges {
		col, _ := table.Column(r.Column)
		if !col.Type.Numeric() {
			return nil, errs.New(errs.UnsupportedFilter, "%s cannot be compared as a number", r.Column)
		}
		op := Op(r.Op)
		if !op.Valid() {
			return nil, errs.New(errs.UnsupportedFilter, "unsupported comparison %q", r.Op)
		}
		var v interface{}
		if col.Type == Int {
			if !r.Value.IsInteger() {
				return nil, errs.New(errs.InvalidInput, "%s expects a whole number", r.Column)
			}
			v = r.Value.IntPart()
		} else {
			v = r.Value.InexactFloat64()
		}
		out = append(out, Predicate{Column: r.Column, Op: op, Value: v})
	}
	return out, nil
}

// typed converts a textual value to the Go type of the column.
func typed(table *Table, column, raw string) (interface{}, error) {
	col, ok := table.Column(column)
	if !ok {
		return nil, errs.New(errs.UnknownColumn, "unknown column %q", column)
	}
	raw = strings.TrimSpace(raw)
	switch col.Type {
	case Int:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errs.New(errs.InvalidInput, "%s expects a whole number, got %q", column, raw)
		}
		return n, nil
	case Double:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errs.New(errs.InvalidInput, "%s expects a number, got %q", column, raw)
		}
		return f, nil
	case Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errs.New(errs.InvalidInput, "%s expects true or false, got %q", column, raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// restrict decides how the predicates reach the data. A partition key equality
// or an indexed equality bounds the read; anything else would scan the table
// and is only allowed for admin reporting, capped at MaxScanRows.
func (b *Builder) restrict(q *Structured, table *Table, in *intent.Intent, scope policy.Scope) error {
	partition, indexed := false, 0
	var unindexed []string
	for _, p := range q.Where {
		switch {
		case p.Column == table.PartitionKey && p.Op == Eq:
			partition = true
		case table.Indexed[p.Column] && p.Op == Eq:
			indexed++
		case isClustering(table, p.Column):
		default:
			unindexed = append(unindexed, p.Column)
		}
	}
	keyed := partition || indexed > 0
	// Only one secondary index is used per read; further indexed equalities
	// are filtered like any other predicate.
	if len(q.Where) > 0 && (len(unindexed) > 0 || !keyed || (!partition && indexed > 1)) {
		q.AllowFiltering = true
	}
	if keyed {
		return nil
	}
	reporting := scope.Role == policy.RoleAdmin &&
		(in.Kind == intent.Count || in.Kind == intent.List || in.Kind == intent.Aggregate)
	if reporting && b.limits.AllowAdminScan {
		q.FullScan = true
		return nil
	}
	if len(unindexed) == 0 {
		return errs.New(errs.UnsupportedFilter, "that question needs a filter on an indexed field such as %s", strings.Join(indexedNames(table), ", "))
	}
	sort.Strings(unindexed)
	return errs.New(errs.UnsupportedFilter, "filtering on %s needs a full scan, which is not available for this request", strings.Join(unindexed, ", "))
}

func isClustering(t *Table, col string) bool {
	for _, c := range t.Clustering {
		if c == col {
			return true
		}
	}
	return false
}

func indexedNames(t *Table) []string {
	out := []string{t.PartitionKey}
	for c := range t.Indexed {
		out = append(out, c)
	}
	sort.Strings(out[1:])
	return out
}

// shape sets columns, aggregation mode and limit per intent kind. Counts over
// keyed reads run server-side; counts that need a scan and every other
// aggregate fold a bounded window client-side with decimal arithmetic.
func (b *Builder) shape(q *Structured, table *Table, in *intent.Intent) error {
	lim := b.limits
	rowLimit := func(n int) int {
		if n <= 0 || n > lim.MaxRows {
			n = lim.MaxRows
		}
		if q.FullScan && n > lim.MaxScanRows {
			n = lim.MaxScanRows
		}
		return n
	}

	switch in.Kind {
	case intent.Count:
		if q.FullScan {
			q.Aggregate = &Aggregate{Func: "count", Mode: ClientSide}
			q.Columns = []string{table.PartitionKey}
			q.Limit = lim.MaxScanRows
			return nil
		}
		q.Aggregate = &Aggregate{Func: "count", Mode: ServerSide}
		return nil
	case intent.Aggregate:
		if len(in.TargetColumns) == 0 {
			return errs.New(errs.Unclassifiable, "which field should be used for the %s?", in.Aggregation)
		}
		col := in.TargetColumns[0]
		c, _ := table.Column(col)
		if !c.Type.Numeric() {
			return errs.New(errs.Unclassifiable, "cannot compute the %s of %s", in.Aggregation, col)
		}
		q.Aggregate = &Aggregate{Func: string(in.Aggregation), Column: col, Mode: ClientSide}
		q.Columns = []string{col}
		q.Limit = lim.AggregateWindow
		if q.FullScan && q.Limit > lim.MaxScanRows {
			q.Limit = lim.MaxScanRows
		}
		return nil
	case intent.Predict:
		q.Columns = append([]string(nil), predictColumns...)
		q.Limit = 1
		return nil
	case intent.ShowField:
		q.Columns = withKey(table, in.TargetColumns)
		q.Limit = rowLimit(lim.DefaultLimit)
		return nil
	default:
		cols := in.TargetColumns
		if len(cols) == 0 {
			cols = table.DefaultColumns
		}
		q.Columns = withKey(table, cols)
		q.Limit = rowLimit(lim.DefaultLimit)
		return nil
	}
}

// withKey prefixes the partition key so each row can be attributed.
func withKey(t *Table, cols []string) []string {
	out := []string{t.PartitionKey}
	for _, c := range cols {
		if c != t.PartitionKey {
			out = append(out, c)
		}
	}
	return out
}
