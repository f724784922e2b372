// Package query compiles authorized intents into column-family queries and
// runs them through a bounded, retrying executor.
package query

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/academiq/internal/intent"
)

// Op is a predicate operator.
type Op string

const (
	Eq  Op = "="
	Gt  Op = ">"
	Gte Op = ">="
	Lt  Op = "<"
	Lte Op = "<="
)

func (o Op) Valid() bool {
	switch o {
	case Eq, Gt, Gte, Lt, Lte:
		return true
	}
	return false
}

// Predicate restricts one column. Value holds a string, int64, float64 or bool
// matching the column type.
type Predicate struct {
	Column string      `json:"column"`
	Op     Op          `json:"op"`
	Value  interface{} `json:"value"`
}

// Mode says where an aggregate is computed.
type Mode string

const (
	// ServerSide aggregates run inside the storage engine (COUNT).
	ServerSide Mode = "server"
	// ClientSide aggregates fold a bounded row window in process.
	ClientSide Mode = "client"
)

// Aggregate describes the aggregation a query carries, if any.
type Aggregate struct {
	Func   string `json:"func"`
	Column string `json:"column,omitempty"`
	Mode   Mode   `json:"mode"`
}

// Structured is an executable, access-checked query.
type Structured struct {
	Kind           intent.Kind `json:"kind"`
	Table          string      `json:"table"`
	Columns        []string    `json:"columns"`
	Where          []Predicate `json:"where,omitempty"`
	Aggregate      *Aggregate  `json:"aggregate,omitempty"`
	Limit          int         `json:"limit,omitempty"`
	AllowFiltering bool        `json:"allow_filtering,omitempty"`
	// FullScan marks an admin reporting query that reads without a key or index.
	FullScan bool `json:"full_scan,omitempty"`
	// Statement is the rendered CQL with ? placeholders bound to Args.
	Statement string        `json:"statement"`
	Args      []interface{} `json:"args,omitempty"`
}

// Render fills Statement and Args from the other fields.
func (q *Structured) Render() {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.Aggregate != nil && q.Aggregate.Mode == ServerSide {
		b.WriteString("COUNT(*)")
	} else {
		b.WriteString(strings.Join(q.Columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(q.Table)

	q.Args = q.Args[:0]
	for i, p := range q.Where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s ?", p.Column, p.Op)
		q.Args = append(q.Args, p.Value)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	if q.AllowFiltering {
		b.WriteString(" ALLOW FILTERING")
	}
	q.Statement = b.String()
}

// Display renders the statement with arguments inlined, for audit and display only.
func (q *Structured) Display() string {
	var b strings.Builder
	arg := 0
	for _, r := range q.Statement {
		if r != '?' || arg >= len(q.Args) {
			b.WriteRune(r)
			continue
		}
		switch v := q.Args[arg].(type) {
		case string:
			b.WriteString("'" + strings.ReplaceAll(v, "'", "''") + "'")
		default:
			fmt.Fprint(&b, v)
		}
		arg++
	}
	return b.String()
}
