// Package store persists the vocabulary and the query audit trail in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

var _ vocab.Source = (*Store)(nil)

// AuditRecord is one processed request.
type AuditRecord struct {
	ID         string
	UserID     string
	Role       string
	Query      string
	Outcome    string
	IntentKind string
	Statement  string
	ErrorKind  string
	Duration   time.Duration
	CreatedAt  time.Time
}

var (
	metricsOnce    sync.Once
	auditCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	auditCounter, metricsInitErr = meter.Int64Counter("query_audit_records_total")
}

// New opens a Postgres connection and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Snapshot loads every vocabulary entry, ordered for stable index builds.
func (s *Store) Snapshot(ctx context.Context) ([]vocab.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT column_name, value, aliases
FROM vocabulary_entries
ORDER BY column_name, value
`)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	defer rows.Close()

	var out []vocab.Entry
	for rows.Next() {
		var e vocab.Entry
		var aliases []string
		if err := rows.Scan(&e.Column, &e.Canonical, pq.Array(&aliases)); err != nil {
			return nil, err
		}
		e.Aliases = aliases
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertVocabulary writes entries in one transaction. Existing aliases are replaced.
func (s *Store) UpsertVocabulary(ctx context.Context, entries []vocab.Entry) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO vocabulary_entries (column_name, value, aliases, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (column_name, value) DO UPDATE SET
  aliases    = EXCLUDED.aliases,
  updated_at = NOW()
`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, e := range entries {
		col := strings.ToLower(strings.TrimSpace(e.Column))
		val := strings.TrimSpace(e.Canonical)
		if col == "" || val == "" {
			return 0, fmt.Errorf("entry %d: column and value required", n)
		}
		aliases := e.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		if _, err := stmt.ExecContext(ctx, col, val, pq.Array(aliases)); err != nil {
			return 0, fmt.Errorf("upsert %s/%s: %w", col, val, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordQuery appends an audit row for one processed request.
func (s *Store) RecordQuery(ctx context.Context, rec AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var statement, errorKind, intentKind interface{}
	if rec.Statement != "" {
		statement = rec.Statement
	}
	if rec.ErrorKind != "" {
		errorKind = rec.ErrorKind
	}
	if rec.IntentKind != "" {
		intentKind = rec.IntentKind
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO query_audit (id, user_id, role, query, outcome, intent_kind, statement, error_kind, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
`, rec.ID, rec.UserID, rec.Role, rec.Query, rec.Outcome, intentKind, statement, errorKind, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && auditCounter != nil {
		auditCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("outcome", rec.Outcome),
			attribute.String("role", rec.Role),
		))
	}
	return nil
}

// ListAudit returns a user's most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, userID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, role, query, outcome, intent_kind, statement, error_kind, duration_ms, created_at
FROM query_audit
WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var intentKind, statement, errorKind sql.NullString
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Role, &rec.Query, &rec.Outcome, &intentKind, &statement, &errorKind, &ms, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.IntentKind = intentKind.String
		rec.Statement = statement.String
		rec.ErrorKind = errorKind.String
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
