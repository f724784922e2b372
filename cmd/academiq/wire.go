package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/clarify"
	"github.com/mohammad-safakhou/academiq/internal/clarify/redisstore"
	"github.com/mohammad-safakhou/academiq/internal/engine"
	"github.com/mohammad-safakhou/academiq/internal/intent"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"github.com/mohammad-safakhou/academiq/internal/storage/cassandra"
	"github.com/mohammad-safakhou/academiq/internal/storage/memory"
	"github.com/mohammad-safakhou/academiq/internal/store"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// app is the fully wired engine plus the background loops and handles it owns.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	schema    *query.Schema
	engine    *engine.Engine
	resolver  *resolve.Resolver
	refresher *vocab.Refresher
	clarify   *clarify.Manager
	store     *store.Store
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// background runs the vocabulary refresher and the clarification janitor until ctx ends.
func (a *app) background(ctx context.Context) {
	go a.refresher.Run(ctx)
	go a.clarify.Run(ctx, a.cfg.Clarification.SweepInterval)
}

// buildApp wires every component from config. meter and tracer may be nil.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, meter otelmetric.Meter, tracer trace.Tracer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, schema: query.DefaultSchema()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var metrics *engine.Metrics
	if meter != nil {
		if metrics, err = engine.NewMetrics(meter); err != nil {
			return nil, fmt.Errorf("engine metrics: %w", err)
		}
	}

	var records query.Executor
	var fixtures *memory.Store
	switch cfg.Storage.Driver {
	case "memory":
		if fixtures, err = memory.Load(cfg.Storage.Memory.Fixtures); err != nil {
			return nil, err
		}
		records = fixtures
	case "cassandra":
		exec, err := cassandra.Connect(cfg.Storage.Cassandra, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, exec.Close)
		records = exec
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	exec := query.NewRetryingExecutor(records,
		query.WithTimeout(cfg.Query.Timeout),
		query.WithRetries(cfg.Query.MaxRetries, cfg.Query.RetryBackoff),
		query.WithMetrics(metrics.QueryMetrics()),
	)

	if cfg.Vocabulary.Source == "postgres" || cfg.Audit.Enabled {
		st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, func() { _ = st.Close() })
	}

	var source vocab.Source
	switch cfg.Vocabulary.Source {
	case "file":
		source = vocab.FileSource{Path: cfg.Vocabulary.File}
	case "postgres":
		source = a.store
	case "fixtures":
		if fixtures == nil {
			return nil, fmt.Errorf("vocabulary.source fixtures needs storage.driver memory")
		}
		source = fixtures.Source(a.schema.ValueColumns())
	default:
		return nil, fmt.Errorf("unknown vocabulary source %q", cfg.Vocabulary.Source)
	}
	holder := vocab.NewHolder(nil)
	a.refresher, err = vocab.NewRefresher(source, holder, vocab.RefreshConfig{
		Interval: cfg.Vocabulary.RefreshInterval,
		Cron:     cfg.Vocabulary.RefreshCron,
		Static:   a.schema.FieldVocabulary(),
		Index: vocab.IndexOptions{
			ShortlistThreshold: cfg.Resolver.ShortlistThreshold,
			ShortlistSize:      cfg.Resolver.ShortlistSize,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	if _, err = a.refresher.Refresh(ctx); err != nil {
		return nil, err
	}

	var sessions clarify.Store
	switch cfg.Clarification.Store {
	case "redis":
		client, err := redisstore.Conn(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		sessions = redisstore.New(client)
	default:
		sessions = clarify.NewMemoryStore(time.Now)
	}
	a.clarify = clarify.NewManager(sessions,
		clarify.WithTTL(cfg.Clarification.TTL),
		clarify.WithLogger(logger))

	a.resolver = resolve.New(holder,
		resolve.WithThresholds(resolve.Thresholds{
			Accept:     cfg.Resolver.AcceptThreshold,
			Floor:      cfg.Resolver.AmbiguousFloor,
			Margin:     cfg.Resolver.AmbiguityMargin,
			MaxOptions: cfg.Resolver.MaxOptions,
		}),
		resolve.WithExtraction(engine.ExtractionFor(a.schema)))

	students, ok := a.schema.Table("students")
	if !ok {
		return nil, fmt.Errorf("schema has no students table")
	}
	opts := []engine.Option{engine.WithLogger(logger), engine.WithMetrics(metrics), engine.WithTracer(tracer)}
	if cfg.Audit.Enabled {
		opts = append(opts, engine.WithAuditor(a.store))
	}
	a.engine = engine.New(engine.Components{
		Resolver:   a.resolver,
		Classifier: intent.NewClassifier(),
		Policy:     policy.NewEngine(cfg.Policy, students.ColumnNames()),
		Clarify:    a.clarify,
		Builder:    query.NewBuilder(a.schema, query.LimitsFromConfig(cfg.Query, cfg.Policy)),
		Executor:   exec,
	}, opts...)
	return a, nil
}
