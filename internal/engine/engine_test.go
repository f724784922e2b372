package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/clarify"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/intent"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"github.com/mohammad-safakhou/academiq/internal/storage/memory"
	"github.com/mohammad-safakhou/academiq/internal/store"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	recs []store.AuditRecord
}

func (r *recorder) RecordQuery(_ context.Context, rec store.AuditRecord) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

// scores pins the similarity of misspelt spans so resolution is predictable.
var scores = map[[2]string]float64{
	{"computer scince", "computer science"}:        0.95,
	{"computer scince", "computer science and it"}: 0.62,
	{"malaysia", "malaysian"}:                      0.70,
	{"malaysia", "malaysian studies"}:              0.68,
	{"budi sant", "budi santosa"}:                  0.75,
	{"budi sant", "budi santoso"}:                  0.75,
	{"ayna", "aina"}:                               0.75,
	{"ayna", "aina rahim"}:                         0.72,
}

func scripted(a, b string) float64 {
	if a == b {
		return 1
	}
	return scores[[2]string{a, b}]
}

var values = []vocab.Entry{
	{Column: "programme", Canonical: "csProgramme", Aliases: []string{"Computer Science"}},
	{Column: "programme", Canonical: "csitProgramme", Aliases: []string{"Computer Science and IT"}},
	{Column: "programme", Canonical: "msProgramme", Aliases: []string{"Malaysian Studies"}},
	{Column: "country", Canonical: "Malaysian"},
	{Column: "country", Canonical: "Indonesian"},
	{Column: "name", Canonical: "Aina"},
	{Column: "name", Canonical: "Aina Rahim"},
	{Column: "name", Canonical: "Budi Santosa"},
	{Column: "name", Canonical: "Budi Santoso"},
}

var (
	adminScope = policy.Scope{Role: policy.RoleAdmin, OwnerID: "staff-1"}
	student    = policy.Scope{Role: policy.RoleStudent, OwnerID: "12345"}
)

type harness struct {
	engine *Engine
	clock  *fakeClock
	audit  *recorder
}

func newHarness(t *testing.T, exec query.Executor, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, exec, scripted, opts...)
}

func newHarnessWith(t *testing.T, exec query.Executor, sim resolve.Similarity, opts ...Option) *harness {
	t.Helper()
	schema := query.DefaultSchema()
	entries := append(schema.FieldVocabulary(), values...)
	idx, err := vocab.NewIndex(entries, vocab.IndexOptions{})
	require.NoError(t, err)

	if exec == nil {
		rows := memory.New()
		rows.Insert("students",
			query.Row{"id": 12345, "name": "Aina", "programme": "csProgramme", "country": "Malaysian", "cohort": "202203", "overallcgpa": 3.62, "ic": 900101},
			query.Row{"id": 12346, "name": "Budi Santosa", "programme": "csitProgramme", "country": "Indonesian", "cohort": "202203", "overallcgpa": 2.91},
			query.Row{"id": 12347, "name": "Chen", "programme": "csProgramme", "country": "Malaysian", "cohort": "202109", "overallcgpa": 3.05},
			query.Row{"id": 12348, "name": "Dewi", "programme": "msProgramme", "country": "Malaysian", "cohort": "202109", "overallcgpa": 1.85},
		)
		exec = rows
	}

	students, _ := schema.Table("students")
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	audit := &recorder{}
	e := New(Components{
		Resolver: resolve.New(vocab.NewHolder(idx),
			resolve.WithSimilarity(sim),
			resolve.WithExtraction(ExtractionFor(schema))),
		Classifier: intent.NewClassifier(),
		Policy: policy.NewEngine(config.PolicyConfig{
			StudentHiddenColumns:      []string{"ic"},
			StudentIdentifyingColumns: []string{"name"},
			AllowAdminScan:            true,
		}, students.ColumnNames()),
		Clarify:  clarify.NewManager(clarify.NewMemoryStore(clock.Now), clarify.WithClock(clock.Now)),
		Builder:  query.NewBuilder(schema, query.DefaultLimits()),
		Executor: exec,
	}, append([]Option{WithAuditor(audit), WithClock(clock.Now)}, opts...)...)
	return &harness{engine: e, clock: clock, audit: audit}
}

func (h *harness) ask(scope policy.Scope, q string) *Outcome {
	return h.engine.Process(context.Background(), Request{Query: q, UserID: scope.OwnerID, Role: scope.Role})
}

func (h *harness) answer(scope policy.Scope, q, column, value string) *Outcome {
	return h.engine.Process(context.Background(), Request{
		Query: q, UserID: scope.OwnerID, Role: scope.Role,
		Answer: &Answer{Column: column, Value: value},
	})
}

func requireKind(t *testing.T, out *Outcome, kind errs.Kind) {
	t.Helper()
	require.Equal(t, ErrorOutcome, out.Kind, "outcome %+v", out)
	require.NotNil(t, out.Error)
	assert.Equal(t, kind, out.Error.Kind)
	assert.Nil(t, out.Result)
	assert.Nil(t, out.Clarification)
}

func TestShowOwnField(t *testing.T) {
	h := newHarness(t, nil)
	out := h.ask(student, "show my CGPA")

	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	res := out.Result
	assert.Equal(t, intent.ShowField, res.Intent.Kind)
	require.Contains(t, res.Intent.Filters, "id")
	assert.Equal(t, "12345", res.Intent.Filters["id"].Chosen)
	assert.Equal(t, "SELECT id, overallcgpa FROM students WHERE id = 12345 LIMIT 100", res.GeneratedQuery)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 3.62, res.Rows[0]["overallcgpa"])
	assert.NotContains(t, res.Rows[0], "ic")
}

func TestCountResolvesClearWinner(t *testing.T) {
	h := newHarness(t, nil)
	out := h.ask(adminScope, "count students in Computer Scince")

	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	res := out.Result
	assert.Equal(t, intent.Count, res.Intent.Kind)
	assert.True(t, res.Intent.RequiresVerification)
	assert.Equal(t, "csProgramme", res.Intent.Filters["programme"].Chosen)
	assert.Equal(t, "SELECT COUNT(*) FROM students WHERE programme = 'csProgramme'", res.GeneratedQuery)
	require.NotNil(t, res.Aggregate)
	assert.True(t, decimal.NewFromInt(2).Equal(res.Aggregate.Value))
}

func TestAmbiguousValueNeedsClarification(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"

	out := h.ask(adminScope, q)
	require.Equal(t, NeedsClarification, out.Kind, "outcome %+v", out.Error)
	c := out.Clarification
	require.Len(t, c.Options, 2)
	assert.Equal(t, "country", c.Options[0].Column)
	assert.Equal(t, "Malaysian", c.Options[0].Value)
	assert.Equal(t, "programme", c.Options[1].Column)
	assert.Equal(t, "msProgramme", c.Options[1].Value)
	assert.NotEmpty(t, c.SessionID)
	assert.Equal(t, h.clock.Now().Add(clarify.DefaultTTL), c.ExpiresAt)

	out = h.answer(adminScope, q, "country", "Malaysian")
	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	res := out.Result
	assert.Equal(t, intent.List, res.Intent.Kind)
	assert.Equal(t, "Malaysian", res.Intent.Filters["country"].Chosen)
	assert.Len(t, res.Rows, 3)
}

func TestAnswerAfterExpiry(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"

	require.Equal(t, NeedsClarification, h.ask(adminScope, q).Kind)
	h.clock.Advance(11 * time.Minute)
	requireKind(t, h.answer(adminScope, q, "country", "Malaysian"), errs.SessionExpired)
}

func TestAnswerIsConsumedOnce(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"

	require.Equal(t, NeedsClarification, h.ask(adminScope, q).Kind)
	require.Equal(t, ResultOutcome, h.answer(adminScope, q, "country", "Malaysian").Kind)
	requireKind(t, h.answer(adminScope, q, "country", "Malaysian"), errs.SessionExpired)
}

func TestInvalidAnswerKeepsQuestionOpen(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"

	require.Equal(t, NeedsClarification, h.ask(adminScope, q).Kind)
	requireKind(t, h.answer(adminScope, q, "country", "Indonesian"), errs.InvalidInput)
	assert.Equal(t, ResultOutcome, h.answer(adminScope, q, "programme", "msProgramme").Kind)
}

func TestNewQueryAbandonsClarification(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"

	require.Equal(t, NeedsClarification, h.ask(adminScope, q).Kind)
	require.Equal(t, ResultOutcome, h.ask(adminScope, "count students in Computer Scince").Kind)
	requireKind(t, h.answer(adminScope, q, "country", "Malaysian"), errs.SessionExpired)
}

func TestConcurrentAnswersYieldOneResult(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"
	require.Equal(t, NeedsClarification, h.ask(adminScope, q).Kind)

	const n = 8
	outs := make([]*Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = h.answer(adminScope, q, "country", "Malaysian")
		}(i)
	}
	wg.Wait()

	results := 0
	for _, out := range outs {
		switch out.Kind {
		case ResultOutcome:
			results++
		default:
			requireKind(t, out, errs.SessionExpired)
		}
	}
	assert.Equal(t, 1, results)
}

func TestStudentCannotReachOtherRecords(t *testing.T) {
	h := newHarness(t, nil)
	for _, q := range []string{
		"show cgpa of 99999",
		"predict honours for 99999",
		"how many records for 99999",
		"average cgpa of 99999",
	} {
		t.Run(q, func(t *testing.T) {
			requireKind(t, h.ask(student, q), errs.Forbidden)
		})
	}
}

func TestHiddenColumnForbidden(t *testing.T) {
	h := newHarness(t, nil)
	out := h.ask(student, "show my ic")
	requireKind(t, out, errs.Forbidden)
	assert.Contains(t, out.Error.Message, "ic")

	out = h.ask(adminScope, "show ic of 12345")
	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	assert.Equal(t, int64(900101), out.Result.Rows[0]["ic"])
}

func TestPredictHonours(t *testing.T) {
	h := newHarness(t, nil)
	out := h.ask(student, "will I graduate with honours")

	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	p := out.Result.Prediction
	require.NotNil(t, p)
	assert.Equal(t, "12345", p.StudentID)
	assert.Equal(t, "Aina", p.Name)
	assert.Equal(t, "Class I", p.Classification)
	assert.True(t, p.HonoursLikely)
	assert.Equal(t, "3.62", p.CGPA.StringFixed(2))
}

func TestClassifyBands(t *testing.T) {
	for in, want := range map[string]string{
		"3.50": "Class I",
		"3.49": "Class II (I)",
		"3.00": "Class II (I)",
		"2.50": "Class II (II)",
		"2.00": "Class III",
		"1.99": NoHonours,
	} {
		assert.Equal(t, want, Classify(decimal.RequireFromString(in)), in)
	}
}

func TestRejectedRequests(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name string
		req  Request
		kind errs.Kind
	}{
		{"empty query", Request{Query: "   ", UserID: "12345", Role: policy.RoleStudent}, errs.InvalidInput},
		{"unknown role", Request{Query: "show my cgpa", UserID: "12345", Role: "dean"}, errs.InvalidInput},
		{"missing user", Request{Query: "show my cgpa", Role: policy.RoleStudent}, errs.InvalidInput},
		{"half answer", Request{Query: "show my cgpa", UserID: "12345", Role: policy.RoleStudent, Answer: &Answer{Column: "country"}}, errs.InvalidInput},
		{"no clarification", Request{Query: "show my cgpa", UserID: "12345", Role: policy.RoleStudent, Answer: &Answer{Column: "country", Value: "Malaysian"}}, errs.SessionExpired},
		{"nothing to do", Request{Query: "the of", UserID: "staff-1", Role: policy.RoleAdmin}, errs.Unclassifiable},
		{"unknown value", Request{Query: "students from Zzzz", UserID: "staff-1", Role: policy.RoleAdmin}, errs.NoMatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireKind(t, h.engine.Process(context.Background(), tc.req), tc.kind)
		})
	}
}

func TestStorageTimeout(t *testing.T) {
	blocked := query.ExecutorFunc(func(ctx context.Context, _ *query.Structured) (query.Rows, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, query.NewRetryingExecutor(blocked,
		query.WithTimeout(20*time.Millisecond),
		query.WithRetries(0, 0)))

	requireKind(t, h.ask(student, "show my CGPA"), errs.Timeout)
}

func TestProcessIsAudited(t *testing.T) {
	h := newHarness(t, nil)
	h.ask(student, "show my CGPA")
	h.ask(student, "show my ic")

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.Len(t, h.audit.recs, 2)
	ok := h.audit.recs[0]
	assert.Equal(t, "12345", ok.UserID)
	assert.Equal(t, string(ResultOutcome), ok.Outcome)
	assert.Equal(t, string(intent.ShowField), ok.IntentKind)
	assert.Contains(t, ok.Statement, "FROM students")
	denied := h.audit.recs[1]
	assert.Equal(t, string(errs.Forbidden), denied.ErrorKind)
	assert.Empty(t, denied.Statement)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	const q = "students from Malaysia"
	require.Equal(t, NeedsClarification, h.ask(adminScope, q).Kind)

	pending, err := h.engine.Pending(context.Background(), adminScope.OwnerID)
	require.NoError(t, err)
	assert.Len(t, pending.Options, 2)

	ok, err := h.engine.Cancel(context.Background(), adminScope.OwnerID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = h.engine.Pending(context.Background(), adminScope.OwnerID)
	assert.ErrorIs(t, err, errs.ErrSessionExpired)
	requireKind(t, h.answer(adminScope, q, "country", "Malaysian"), errs.SessionExpired)

	ok, err = h.engine.Cancel(context.Background(), adminScope.OwnerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStudentCannotResolveOtherNames(t *testing.T) {
	h := newHarness(t, nil)

	// only other students match, chosen outright or offered as options
	for _, q := range []string{"show cgpa of Budi Santosa", "show cgpa of budi sant"} {
		t.Run(q, func(t *testing.T) {
			out := h.ask(student, q)
			requireKind(t, out, errs.Forbidden)
			assert.NotContains(t, out.Error.Message, "Budi")
		})
	}

	// an admin is offered both
	out := h.ask(adminScope, "show cgpa of budi sant")
	require.Equal(t, NeedsClarification, out.Kind, "outcome %+v", out.Error)
	require.Len(t, out.Clarification.Options, 2)
}

func TestStudentOptionsNarrowedToOwnRecord(t *testing.T) {
	h := newHarness(t, nil)
	const q = "show cgpa of ayna"

	admin := h.ask(adminScope, q)
	require.Equal(t, NeedsClarification, admin.Kind, "outcome %+v", admin.Error)
	require.Len(t, admin.Clarification.Options, 2)

	out := h.ask(student, q)
	require.Equal(t, NeedsClarification, out.Kind, "outcome %+v", out.Error)
	require.Len(t, out.Clarification.Options, 1)
	assert.Equal(t, "Aina", out.Clarification.Options[0].Value)

	pending, err := h.engine.Pending(context.Background(), student.OwnerID)
	require.NoError(t, err)
	require.Len(t, pending.Options, 1)

	out = h.answer(student, q, "name", "Aina")
	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	require.Len(t, out.Result.Rows, 1)
	assert.Equal(t, 3.62, out.Result.Rows[0]["overallcgpa"])
}

func TestStudentMayNameThemselves(t *testing.T) {
	h := newHarness(t, nil)
	out := h.ask(student, "show cgpa of Aina")

	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	res := out.Result
	assert.Contains(t, res.GeneratedQuery, "id = 12345")
	assert.Contains(t, res.GeneratedQuery, "name = 'Aina'")
	require.Len(t, res.Rows, 1)
	for _, c := range res.Intent.Filters["name"].Candidates {
		assert.Equal(t, "Aina", c.Value)
	}
}

func TestEditSimilarityBands(t *testing.T) {
	h := newHarnessWith(t, nil, resolve.EditSimilarity)

	// one edit away from a 16 rune alias: 0.9375, accepted
	out := h.ask(adminScope, "count students in Computer Scince")
	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	prog := out.Result.Intent.Filters["programme"]
	assert.Equal(t, "csProgramme", prog.Chosen)
	assert.Equal(t, 0.9375, prog.Candidates[0].Confidence)
	assert.True(t, decimal.NewFromInt(2).Equal(out.Result.Aggregate.Value))

	// a clear leader inside the ambiguous band is accepted
	out = h.ask(adminScope, "students from Malaysia")
	require.Equal(t, ResultOutcome, out.Kind, "outcome %+v", out.Error)
	assert.Equal(t, "Malaysian", out.Result.Intent.Filters["country"].Chosen)
	assert.Len(t, out.Result.Rows, 3)

	// three edits from two twelve rune names: 0.75 each, so ask
	out = h.ask(adminScope, "show cgpa of budi sant")
	require.Equal(t, NeedsClarification, out.Kind, "outcome %+v", out.Error)
	opts := out.Clarification.Options
	require.Len(t, opts, 2)
	assert.Equal(t, "Budi Santosa", opts[0].Value)
	assert.Equal(t, "Budi Santoso", opts[1].Value)
	assert.Contains(t, opts[0].Description, "75% match")

	requireKind(t, h.ask(student, "show cgpa of budi sant"), errs.Forbidden)
	requireKind(t, h.ask(adminScope, "students from Zzzz"), errs.NoMatch)
}

func TestStagesAreTraced(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, nil, WithTracer(tp.Tracer("test")))

	require.Equal(t, ResultOutcome, h.ask(student, "show cgpa of Aina").Kind)
	requireKind(t, h.ask(student, "show my ic"), errs.Forbidden)

	var names []string
	failed := map[string]bool{}
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
		if s.Status().Code == codes.Error {
			failed[s.Name()] = true
		}
	}
	for _, want := range []string{"engine.process", "engine.resolve", "engine.screen", "engine.classify", "engine.authorize", "engine.build", "engine.execute"} {
		assert.Contains(t, names, want)
	}
	assert.True(t, failed["engine.authorize"])
	assert.True(t, failed["engine.process"])
	assert.False(t, failed["engine.execute"])
}
