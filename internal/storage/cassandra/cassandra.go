// Package cassandra runs structured queries against the academic records keyspace.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"go.uber.org/zap"
)

// Executor implements query.Executor over a gocql session.
type Executor struct {
	session  *gocql.Session
	pageSize int
	logger   *zap.Logger
}

var _ query.Executor = (*Executor)(nil)

// Connect opens a session from config.
func Connect(cfg config.CassandraConfig, logger *zap.Logger) (*Executor, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
		cluster.Timeout = cfg.ConnectTimeout
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}
	cons, err := ParseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}
	cluster.Consistency = cons

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionLost, err, "cannot reach the records database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("cassandra session opened",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("keyspace", cfg.Keyspace),
		zap.String("consistency", cons.String()))
	return &Executor{session: session, pageSize: cfg.PageSize, logger: logger}, nil
}

// ParseConsistency maps a config name to a gocql consistency level; blank means quorum.
func ParseConsistency(name string) (gocql.Consistency, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return gocql.Quorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(name))
	if err != nil {
		return gocql.Any, fmt.Errorf("consistency %q: %w", name, err)
	}
	return c, nil
}

func (e *Executor) Close() {
	if e.session != nil {
		e.session.Close()
	}
}

// Execute binds the rendered statement and reads every page up to the query limit.
func (e *Executor) Execute(ctx context.Context, q *query.Structured) (query.Rows, error) {
	if q.Statement == "" {
		q.Render()
	}
	stmt := e.session.Query(q.Statement, q.Args...).WithContext(ctx)
	if e.pageSize > 0 {
		stmt = stmt.PageSize(e.pageSize)
	}
	iter := stmt.Iter()

	var rows query.Rows
	for {
		row := map[string]interface{}{}
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, normalize(row))
		if q.Limit > 0 && len(rows) >= q.Limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		e.logger.Warn("cql query failed", zap.String("statement", q.Statement), zap.Error(err))
		return nil, Classify(err)
	}
	return rows, nil
}

func normalize(row map[string]interface{}) query.Row {
	out := make(query.Row, len(row))
	for k, v := range row {
		switch n := v.(type) {
		case int:
			v = int64(n)
		case int32:
			v = int64(n)
		case float32:
			v = float64(n)
		case time.Time:
			v = n.UTC().Format(time.RFC3339)
		}
		out[k] = v
	}
	return out
}

// Classify maps a driver error onto the pipeline taxonomy: coordinator and
// client timeouts become Timeout, lost hosts become ConnectionLost and
// statement rejections become SyntaxRejected.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.KindOf(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gocql.ErrTimeoutNoResponse):
		return errs.Wrap(errs.Timeout, err, "")
	case errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.Is(err, gocql.ErrSessionClosed):
		return errs.Wrap(errs.ConnectionLost, err, "")
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.Timeout, err, "")
	}

	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeReadTimeout, gocql.ErrCodeWriteTimeout:
			return errs.Wrap(errs.Timeout, err, "")
		case gocql.ErrCodeUnavailable, gocql.ErrCodeOverloaded, gocql.ErrCodeBootstrapping:
			return errs.Wrap(errs.ConnectionLost, err, "")
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid, gocql.ErrCodeUnprepared:
			return errs.Wrap(errs.SyntaxRejected, err, "")
		case gocql.ErrCodeUnauthorized, gocql.ErrCodeCredentials:
			return errs.Wrap(errs.Internal, err, "")
		}
	}
	return errs.Wrap(errs.Internal, err, "")
}
