// Package server exposes the query engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/academiq/internal/engine"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/runtime"
	"github.com/mohammad-safakhou/academiq/internal/store"
	"go.uber.org/zap"
)

// Processor is the engine surface the handlers drive.
type Processor interface {
	Process(ctx context.Context, req engine.Request) *engine.Outcome
	Cancel(ctx context.Context, userID string) (bool, error)
	Pending(ctx context.Context, userID string) (*engine.Clarification, error)
}

// AuditLog lists recorded requests.
type AuditLog interface {
	ListAudit(ctx context.Context, userID string, limit int) ([]store.AuditRecord, error)
}

// Options wires the server's dependencies.
type Options struct {
	Engine    Processor
	Audit     AuditLog
	Secret    []byte
	RoleClaim string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	echo   *echo.Echo
	logger *zap.Logger
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret required")
	}
	if _, err := querySchema(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Info("request failed",
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err))
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api")
	api.Use(runtime.EchoAuthMiddleware(opts.Secret, opts.RoleClaim))

	qh := &QueryHandler{Engine: opts.Engine}
	qh.Register(api.Group("/query"))

	if opts.Audit != nil {
		ah := &AuditHandler{Log: opts.Audit}
		ah.Register(api.Group("/audit", runtime.RequireRole(policy.RoleAdmin)))
	}

	return &Server{echo: e, logger: logger}, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }
