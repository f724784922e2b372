// Package engine runs a question through resolution, classification, access
// policy, clarification and query execution, and reports a single Outcome.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/academiq/internal/clarify"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/intent"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"github.com/mohammad-safakhou/academiq/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// MaxQueryLength bounds the raw question, in runes.
const MaxQueryLength = 500

// Answer picks one option of an open clarification.
type Answer struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Request is one turn from a user. UserID and Role come from the auth layer
// and are trusted as given.
type Request struct {
	Query  string      `json:"query"`
	UserID string      `json:"user_id"`
	Role   policy.Role `json:"role"`
	Answer *Answer     `json:"answer,omitempty"`
}

// OutcomeKind names the Outcome variant that is set.
type OutcomeKind string

const (
	NeedsClarification OutcomeKind = "needs_clarification"
	ResultOutcome      OutcomeKind = "result"
	ErrorOutcome       OutcomeKind = "error"
)

// Outcome carries exactly one of Clarification, Result or Error.
type Outcome struct {
	Kind          OutcomeKind    `json:"kind"`
	Clarification *Clarification `json:"clarification,omitempty"`
	Result        *Result        `json:"result,omitempty"`
	Error         *Failure       `json:"error,omitempty"`
}

type Clarification struct {
	SessionID string           `json:"session_id"`
	Message   string           `json:"message"`
	Options   []clarify.Choice `json:"options"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type Result struct {
	Intent          *intent.Intent         `json:"intent"`
	GeneratedQuery  string                 `json:"generated_query"`
	Structured      *query.Structured      `json:"structured"`
	Rows            query.Rows             `json:"rows"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	Aggregate       *query.AggregateResult `json:"aggregate,omitempty"`
	Prediction      *Prediction            `json:"prediction,omitempty"`
}

type Failure struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Auditor records processed requests.
type Auditor interface {
	RecordQuery(ctx context.Context, rec store.AuditRecord) error
}

// Components are the pipeline stages the engine drives.
type Components struct {
	Resolver   *resolve.Resolver
	Classifier *intent.Classifier
	Policy     *policy.Engine
	Clarify    *clarify.Manager
	Builder    *query.Builder
	Executor   query.Executor
}

type Engine struct {
	Components
	auditor Auditor
	metrics *Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Engine)

func WithAuditor(a Auditor) Option { return func(e *Engine) { e.auditor = a } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTracer traces each pipeline stage. A nil tracer keeps the no-op default.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the clock used for execution timing.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(c Components, opts ...Option) *Engine {
	e := &Engine{Components: c, logger: zap.NewNop(), tracer: noop.NewTracerProvider().Tracer("engine"), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e
}

// turn is the state of one request as it moves through the pipeline.
type turn struct {
	req     Request
	scope   policy.Scope
	session *clarify.Session
	parsed  *resolve.Parsed
	ents    []*resolve.Entity
	intent  *intent.Intent
	query   *query.Structured
}

// Process answers one request. It never returns a Go error: every failure is
// reported as an Error outcome with a kind and a user-facing message.
func (e *Engine) Process(ctx context.Context, req Request) *Outcome {
	ctx, span := e.tracer.Start(ctx, "engine.process",
		trace.WithAttributes(attribute.String("role", string(req.Role)), attribute.Bool("answer", req.Answer != nil)))
	defer span.End()

	start := time.Now()
	t := &turn{req: req}
	out := e.process(ctx, t)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("outcome", string(out.Kind)))
	if out.Error != nil {
		span.SetStatus(codes.Error, string(out.Error.Kind))
	}

	e.metrics.outcome(ctx, out, elapsed)
	e.audit(ctx, t, out, elapsed)
	fields := []zap.Field{
		zap.String("user", req.UserID),
		zap.String("role", string(req.Role)),
		zap.String("outcome", string(out.Kind)),
		zap.Duration("elapsed", elapsed),
	}
	if out.Error != nil {
		fields = append(fields, zap.String("error_kind", string(out.Error.Kind)))
	}
	e.logger.Info("processed", fields...)
	return out
}

func (e *Engine) process(ctx context.Context, t *turn) *Outcome {
	scope, err := validate(t.req)
	if err != nil {
		return failure(err)
	}
	t.scope = scope

	if t.req.Answer != nil {
		key := clarify.KeyFor(scope.OwnerID, t.req.Query)
		actx, span := e.tracer.Start(ctx, "engine.answer")
		sess, err := e.Clarify.Answer(actx, key, scope, t.req.Answer.Column, t.req.Answer.Value)
		end(span, err)
		if err != nil {
			return failure(err)
		}
		e.metrics.clarification(ctx, "answered")
		t.session = sess
		t.parsed = sess.Parsed
		t.ents = sess.Entities
	} else {
		// a new question abandons whatever the user was being asked
		if cancelled, err := e.Clarify.Cancel(ctx, scope.OwnerID); err != nil {
			e.logger.Warn("cancel previous clarification", zap.Error(err))
		} else if cancelled {
			e.metrics.clarification(ctx, "cancelled")
		}
		_, span := e.tracer.Start(ctx, "engine.resolve")
		view := e.Resolver.View()
		t.parsed = view.Extract(t.req.Query)
		ents, err := view.Mentions(t.parsed)
		span.SetAttributes(attribute.Int("entities", len(ents)))
		end(span, err)
		if err != nil {
			return failure(err)
		}
		t.ents = ents
	}
	if t.parsed == nil {
		return failure(errs.New(errs.SessionExpired, ""))
	}

	if err := e.screen(ctx, t); err != nil {
		return failure(err)
	}

	_, span := e.tracer.Start(ctx, "engine.classify")
	in, err := e.Classifier.Classify(t.parsed, t.ents)
	if in != nil {
		span.SetAttributes(attribute.String("intent", string(in.Kind)))
	}
	end(span, err)
	if err != nil {
		return failure(err)
	}
	_, span = e.tracer.Start(ctx, "engine.authorize")
	authorized, err := e.Policy.Authorize(in, scope)
	end(span, err)
	if err != nil {
		return failure(err)
	}
	t.intent = authorized

	if len(authorized.Pending) > 0 {
		return e.clarify(ctx, t)
	}

	_, span = e.tracer.Start(ctx, "engine.build")
	q, err := e.Builder.Build(authorized, scope)
	end(span, err)
	if err != nil {
		return failure(err)
	}
	t.query = q

	xctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(attribute.String("table", q.Table), attribute.Bool("full_scan", q.FullScan)))
	began := e.now()
	rows, err := e.Executor.Execute(xctx, q)
	span.SetAttributes(attribute.Int("rows", len(rows)))
	end(span, err)
	if err != nil {
		return failure(err)
	}
	res := &Result{
		Intent:          authorized,
		GeneratedQuery:  q.Display(),
		Structured:      q,
		Rows:            rows,
		ExecutionTimeMs: e.now().Sub(began).Milliseconds(),
	}
	if res.Rows == nil {
		res.Rows = query.Rows{}
	}
	if q.Aggregate != nil {
		agg, err := query.Fold(q, rows)
		if err != nil {
			return failure(err)
		}
		res.Aggregate = agg
	}
	if authorized.Kind == intent.Predict {
		p, err := predict(rows, authorized.SubjectUser)
		if err != nil {
			return failure(err)
		}
		res.Prediction = p
	}
	return &Outcome{Kind: ResultOutcome, Result: res}
}

func (e *Engine) clarify(ctx context.Context, t *turn) *Outcome {
	sess := t.session
	if sess == nil {
		sess = &clarify.Session{
			Key:           clarify.KeyFor(t.scope.OwnerID, t.req.Query),
			OriginalQuery: t.req.Query,
			Parsed:        t.parsed,
			Entities:      t.ents,
			Role:          t.scope.Role,
			OwnerID:       t.scope.OwnerID,
		}
	}
	cctx, span := e.tracer.Start(ctx, "engine.clarify")
	prompt, err := e.Clarify.Open(cctx, sess)
	end(span, err)
	if err != nil {
		return failure(err)
	}
	e.metrics.clarification(ctx, "opened")
	return &Outcome{Kind: NeedsClarification, Clarification: &Clarification{
		SessionID: prompt.SessionID,
		Message:   prompt.Message,
		Options:   prompt.Options,
		ExpiresAt: prompt.ExpiresAt,
	}}
}

// screen narrows a student's entities to values of their own record, reading
// that record only when an identifying column is involved.
func (e *Engine) screen(ctx context.Context, t *turn) (err error) {
	cols := e.Policy.IdentifyingIn(t.ents, t.scope)
	if len(cols) == 0 {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "engine.screen")
	defer func() { end(span, err) }()

	q, err := e.Builder.Owned(t.scope, cols)
	if err != nil {
		return err
	}
	rows, err := e.Executor.Execute(ctx, q)
	if err != nil {
		return err
	}
	own := make(map[string]string, len(cols))
	if len(rows) > 0 {
		for _, col := range cols {
			own[col] = query.CellText(rows[0][col])
		}
	}
	ents, err := e.Policy.Screen(t.ents, t.scope, own)
	if err != nil {
		return err
	}
	t.ents = ents
	return nil
}

// Cancel drops the user's open clarification, reporting whether one existed.
func (e *Engine) Cancel(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errs.New(errs.InvalidInput, "user id required")
	}
	ok, err := e.Clarify.Cancel(ctx, userID)
	if err == nil && ok {
		e.metrics.clarification(ctx, "cancelled")
	}
	return ok, err
}

// Pending re-renders the user's open clarification. It returns a
// SessionExpired error when there is none.
func (e *Engine) Pending(ctx context.Context, userID string) (*Clarification, error) {
	p, err := e.Clarify.Prompt(ctx, userID)
	if errors.Is(err, clarify.ErrNotFound) {
		return nil, errs.New(errs.SessionExpired, "")
	}
	if err != nil {
		return nil, err
	}
	return &Clarification{SessionID: p.SessionID, Message: p.Message, Options: p.Options, ExpiresAt: p.ExpiresAt}, nil
}

func validate(req Request) (policy.Scope, error) {
	scope := policy.Scope{Role: req.Role, OwnerID: strings.TrimSpace(req.UserID)}
	if err := scope.Validate(); err != nil {
		return scope, err
	}
	q := strings.TrimSpace(req.Query)
	if q == "" {
		return scope, errs.New(errs.InvalidInput, "query is empty")
	}
	if !utf8.ValidString(q) {
		return scope, errs.New(errs.InvalidInput, "query is not valid UTF-8")
	}
	if utf8.RuneCountInString(q) > MaxQueryLength {
		return scope, errs.New(errs.InvalidInput, "query is longer than %d characters", MaxQueryLength)
	}
	if a := req.Answer; a != nil && (strings.TrimSpace(a.Column) == "" || strings.TrimSpace(a.Value) == "") {
		return scope, errs.New(errs.InvalidInput, "an answer needs both column and value")
	}
	return scope, nil
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func failure(err error) *Outcome {
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.Internal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = errs.Timeout
	}
	return &Outcome{Kind: ErrorOutcome, Error: &Failure{Kind: kind, Message: errs.Message(err)}}
}

func (e *Engine) audit(ctx context.Context, t *turn, out *Outcome, elapsed time.Duration) {
	if e.auditor == nil {
		return
	}
	rec := store.AuditRecord{
		UserID:   t.req.UserID,
		Role:     string(t.req.Role),
		Query:    t.req.Query,
		Outcome:  string(out.Kind),
		Duration: elapsed,
	}
	if t.intent != nil {
		rec.IntentKind = string(t.intent.Kind)
	}
	if t.query != nil {
		rec.Statement = t.query.Display()
	}
	if out.Error != nil {
		rec.ErrorKind = string(out.Error.Kind)
	}
	if err := e.auditor.RecordQuery(ctx, rec); err != nil {
		e.logger.Warn("audit write failed", zap.Error(err))
	}
}

// ExtractionFor derives the mention extraction settings from a schema and the
// classifier's keywords.
func ExtractionFor(schema *query.Schema) resolve.ExtractConfig {
	return resolve.ExtractConfig{
		EntityColumns:  schema.ValueColumns(),
		NumericColumns: schema.NumericColumns(),
		LiteralColumns: schema.LiteralColumns(),
		Separators:     intent.Keywords(),
	}
}
