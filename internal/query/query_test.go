package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/intent"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin   = policy.Scope{Role: policy.RoleAdmin, OwnerID: "staff-1"}
	student = policy.Scope{Role: policy.RoleStudent, OwnerID: "1001"}
)

func chosen(column, value string) *resolve.Entity {
	return &resolve.Entity{
		Span:       value,
		Column:     column,
		Candidates: []resolve.Candidate{{Column: column, Value: value, Confidence: 1}},
		Chosen:     value,
	}
}

func newBuilder() *Builder { return NewBuilder(DefaultSchema(), DefaultLimits()) }

func TestBuildCountByIndexedColumnIsServerSide(t *testing.T) {
	in := &intent.Intent{
		Kind:    intent.Count,
		Filters: map[string]*resolve.Entity{"programme": chosen("programme", "csProgramme")},
	}
	q, err := newBuilder().Build(in, admin)
	require.NoError(t, err)

	assert.Equal(t, "students", q.Table)
	assert.Equal(t, ServerSide, q.Aggregate.Mode)
	assert.False(t, q.AllowFiltering)
	assert.Equal(t, "SELECT COUNT(*) FROM students WHERE programme = ?", q.Statement)
	assert.Equal(t, []interface{}{"csProgramme"}, q.Args)
	assert.Equal(t, "SELECT COUNT(*) FROM students WHERE programme = 'csProgramme'", q.Display())
}

func TestBuildStudentShowFieldIsPinned(t *testing.T) {
	in := &intent.Intent{
		Kind:          intent.ShowField,
		TargetColumns: []string{"overallcgpa"},
		SubjectUser:   "1001",
		Filters:       map[string]*resolve.Entity{"id": chosen("id", "1001")},
	}
	q, err := newBuilder().Build(in, student)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "overallcgpa"}, q.Columns)
	require.Len(t, q.Where, 1)
	assert.Equal(t, Predicate{Column: "id", Op: Eq, Value: int64(1001)}, q.Where[0])
	assert.Equal(t, "SELECT id, overallcgpa FROM students WHERE id = ? LIMIT 100", q.Statement)
}

func TestBuildStudentOwnerAlwaysApplies(t *testing.T) {
	// A filter on someone else's id never displaces the owner predicate.
	in := &intent.Intent{
		Kind:          intent.ShowField,
		TargetColumns: []string{"overallcgpa"},
		SubjectUser:   "1001",
		Filters:       map[string]*resolve.Entity{"id": chosen("id", "2002")},
	}
	q, err := newBuilder().Build(in, student)
	require.NoError(t, err)
	require.Len(t, q.Where, 1)
	assert.Equal(t, int64(1001), q.Where[0].Value)

	in.SubjectUser = "2002"
	_, err = newBuilder().Build(in, student)
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestBuildRangeAllowsFiltering(t *testing.T) {
	in := &intent.Intent{
		Kind:    intent.List,
		Filters: map[string]*resolve.Entity{"country": chosen("country", "Malaysia")},
		Ranges:  []resolve.Range{{Column: "overallcgpa", Op: ">", Value: decimal.RequireFromString("3.5")}},
	}
	q, err := newBuilder().Build(in, admin)
	require.NoError(t, err)

	assert.True(t, q.AllowFiltering)
	assert.False(t, q.FullScan)
	assert.Equal(t, "SELECT id, name, programme, cohort, overallcgpa, status FROM students WHERE country = ? AND overallcgpa > ? LIMIT 100 ALLOW FILTERING", q.Statement)
	assert.Equal(t, []interface{}{"Malaysia", 3.5}, q.Args)
}

func TestBuildTwoIndexedEqualitiesAllowFiltering(t *testing.T) {
	in := &intent.Intent{
		Kind: intent.Count,
		Filters: map[string]*resolve.Entity{
			"programme": chosen("programme", "csProgramme"),
			"country":   chosen("country", "Malaysian"),
		},
	}
	q, err := newBuilder().Build(in, admin)
	require.NoError(t, err)

	assert.True(t, q.AllowFiltering)
	assert.False(t, q.FullScan)
	assert.Equal(t, ServerSide, q.Aggregate.Mode)
	assert.Equal(t, "SELECT COUNT(*) FROM students WHERE country = ? AND programme = ? ALLOW FILTERING", q.Statement)
}

func TestBuildPartitionWithIndexedEqualityNeedsNoFiltering(t *testing.T) {
	in := &intent.Intent{
		Kind:          intent.ShowField,
		TargetColumns: []string{"overallcgpa"},
		SubjectUser:   "1001",
		Filters: map[string]*resolve.Entity{
			"id":        chosen("id", "1001"),
			"programme": chosen("programme", "csProgramme"),
		},
	}
	q, err := newBuilder().Build(in, student)
	require.NoError(t, err)
	assert.False(t, q.AllowFiltering)
}

func TestBuildOwnedReadsOneRow(t *testing.T) {
	q, err := newBuilder().Owned(student, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM students WHERE id = ? LIMIT 1", q.Statement)
	assert.Equal(t, []interface{}{int64(1001)}, q.Args)
}

func TestCellText(t *testing.T) {
	assert.Equal(t, "", CellText(nil))
	assert.Equal(t, "Aina", CellText("Aina"))
	assert.Equal(t, "3.62", CellText(3.62))
	assert.Equal(t, "3.5", CellText(decimal.RequireFromString("3.50")))
	assert.Equal(t, "12345", CellText(int64(12345)))
}

func TestBuildUnkeyedFilter(t *testing.T) {
	in := &intent.Intent{
		Kind:   intent.List,
		Ranges: []resolve.Range{{Column: "overallcgpa", Op: ">=", Value: decimal.RequireFromString("3")}},
	}

	q, err := newBuilder().Build(in, admin)
	require.NoError(t, err)
	assert.True(t, q.FullScan)
	assert.Equal(t, 100, q.Limit)

	limits := DefaultLimits()
	limits.AllowAdminScan = false
	_, err = NewBuilder(DefaultSchema(), limits).Build(in, admin)
	require.ErrorIs(t, err, errs.ErrUnsupportedFilter)
	assert.Contains(t, errs.Message(err), "overallcgpa")
}

func TestBuildCountFullScanFallsBackToClient(t *testing.T) {
	in := &intent.Intent{Kind: intent.Count}
	q, err := newBuilder().Build(in, admin)
	require.NoError(t, err)

	assert.True(t, q.FullScan)
	assert.Equal(t, ClientSide, q.Aggregate.Mode)
	assert.Equal(t, DefaultLimits().MaxScanRows, q.Limit)
	assert.Equal(t, "SELECT id FROM students LIMIT 5000", q.Statement)
}

func TestBuildAggregate(t *testing.T) {
	in := &intent.Intent{
		Kind:          intent.Aggregate,
		Aggregation:   intent.Avg,
		TargetColumns: []string{"overallcgpa"},
		Filters:       map[string]*resolve.Entity{"cohort": chosen("cohort", "202203")},
	}
	q, err := newBuilder().Build(in, admin)
	require.NoError(t, err)
	assert.Equal(t, &Aggregate{Func: "avg", Column: "overallcgpa", Mode: ClientSide}, q.Aggregate)
	assert.Equal(t, []string{"overallcgpa"}, q.Columns)
	assert.Equal(t, 10000, q.Limit)

	in.TargetColumns = []string{"country"}
	_, err = newBuilder().Build(in, admin)
	assert.ErrorIs(t, err, errs.ErrUnclassifiable)
}

func TestBuildPredictReadsOneRow(t *testing.T) {
	in := &intent.Intent{Kind: intent.Predict, SubjectUser: "1001", Filters: map[string]*resolve.Entity{"id": chosen("id", "1001")}}
	q, err := newBuilder().Build(in, student)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Limit)
	assert.Equal(t, []string{"id", "name", "programme", "overallcgpa", "awardclassification"}, q.Columns)
}

func TestBuildRejects(t *testing.T) {
	cases := []struct {
		name string
		in   *intent.Intent
		want error
	}{
		{
			name: "cross table",
			in:   &intent.Intent{Kind: intent.List, TargetColumns: []string{"grade", "overallcgpa"}, SubjectUser: "1001"},
			want: errs.ErrUnsupportedFilter,
		},
		{
			name: "unknown column",
			in:   &intent.Intent{Kind: intent.List, TargetColumns: []string{"shoe_size"}, SubjectUser: "1001"},
			want: errs.ErrUnknownColumn,
		},
		{
			name: "range on text",
			in: &intent.Intent{Kind: intent.List, SubjectUser: "1001",
				Ranges: []resolve.Range{{Column: "country", Op: ">", Value: decimal.NewFromInt(3)}}},
			want: errs.ErrUnsupportedFilter,
		},
		{
			name: "bad literal",
			in: &intent.Intent{Kind: intent.List, SubjectUser: "1001",
				Literals: []resolve.Literal{{Column: "year", Value: "two"}}},
			want: errs.ErrInvalidInput,
		},
		{
			name: "pending",
			in: &intent.Intent{Kind: intent.List, SubjectUser: "1001",
				Pending: []*resolve.Entity{{Span: "cs"}}},
			want: errs.ErrInternal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newBuilder().Build(tc.in, admin)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDisplayEscapesQuotes(t *testing.T) {
	q := &Structured{Table: "students", Columns: []string{"id"}, Where: []Predicate{{Column: "name", Op: Eq, Value: "O'Neil"}}}
	q.Render()
	assert.Equal(t, "SELECT id FROM students WHERE name = 'O''Neil'", q.Display())
}

func TestFold(t *testing.T) {
	rows := Rows{{"overallcgpa": 3.5}, {"overallcgpa": 2.75}, {"overallcgpa": nil}, {"overallcgpa": 3.2}}
	cases := []struct {
		fn   string
		want string
	}{
		{"avg", "3.15"},
		{"min", "2.75"},
		{"max", "3.5"},
		{"sum", "9.45"},
	}
	for _, tc := range cases {
		t.Run(tc.fn, func(t *testing.T) {
			q := &Structured{Aggregate: &Aggregate{Func: tc.fn, Column: "overallcgpa", Mode: ClientSide}, Limit: 100}
			res, err := Fold(q, rows)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Value.String())
			assert.Equal(t, 3, res.Sampled)
			assert.False(t, res.Truncated)
		})
	}

	server := &Structured{Aggregate: &Aggregate{Func: "count", Mode: ServerSide}}
	res, err := Fold(server, Rows{{CountColumn: int64(42)}})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Value.String())

	client := &Structured{Aggregate: &Aggregate{Func: "count", Mode: ClientSide}, Limit: 2}
	res, err = Fold(client, Rows{{"id": 1}, {"id": 2}})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
}

type flaky struct {
	fails []error
	calls int
}

func (f *flaky) Execute(ctx context.Context, q *Structured) (Rows, error) {
	f.calls++
	if f.calls <= len(f.fails) {
		return nil, f.fails[f.calls-1]
	}
	return Rows{{"id": int64(1)}}, nil
}

func TestRetryingExecutorRetriesTransientOnce(t *testing.T) {
	inner := &flaky{fails: []error{errs.New(errs.ConnectionLost, "")}}
	var retries []int
	ex := NewRetryingExecutor(inner, WithRetries(1, time.Millisecond), WithMetrics(Metrics{
		RetryCounter: func(_ context.Context, _ *Structured, n int) { retries = append(retries, n) },
	}))
	rows, err := ex.Execute(context.Background(), &Structured{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, []int{1}, retries)

	inner = &flaky{fails: []error{errs.New(errs.Timeout, ""), errs.New(errs.Timeout, "")}}
	ex = NewRetryingExecutor(inner, WithRetries(1, time.Millisecond))
	_, err = ex.Execute(context.Background(), &Structured{})
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryingExecutorDoesNotRetrySyntax(t *testing.T) {
	inner := &flaky{fails: []error{errs.New(errs.SyntaxRejected, "")}}
	ex := NewRetryingExecutor(inner, WithRetries(3, time.Millisecond))
	_, err := ex.Execute(context.Background(), &Structured{})
	assert.ErrorIs(t, err, errs.ErrSyntaxRejected)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingExecutorTimesOut(t *testing.T) {
	slow := ExecutorFunc(func(ctx context.Context, q *Structured) (Rows, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex := NewRetryingExecutor(slow, WithTimeout(5*time.Millisecond), WithRetries(0, 0))
	_, err := ex.Execute(context.Background(), &Structured{})
	assert.ErrorIs(t, err, errs.ErrTimeout)

	plain := ExecutorFunc(func(ctx context.Context, q *Structured) (Rows, error) {
		return nil, errors.New("boom")
	})
	_, err = NewRetryingExecutor(plain).Execute(context.Background(), &Structured{})
	kind, _ := errs.KindOf(err)
	assert.Equal(t, errs.Internal, kind)
}
