package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/academiq/internal/engine"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/runtime"
)

const maxBodyBytes = 16 << 10

// QueryRequest is the body of POST /api/query. The caller's identity comes
// from the token, never from the body.
type QueryRequest struct {
	Query  string         `json:"query"`
	Answer *engine.Answer `json:"answer,omitempty"`
}

type QueryHandler struct {
	Engine Processor
}

func (h *QueryHandler) Register(g *echo.Group) {
	g.POST("", h.query)
	g.GET("/session", h.pending)
	g.DELETE("/session", h.cancel)
}

// query runs one turn and replies with the Outcome. Error outcomes carry a
// status matching their kind.
func (h *QueryHandler) query(c echo.Context) error {
	id, ok := runtime.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(raw) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if err := validateQueryRequest(raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req QueryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out := h.Engine.Process(c.Request().Context(), engine.Request{
		Query:  req.Query,
		UserID: id.UserID,
		Role:   id.Role,
		Answer: req.Answer,
	})
	code := http.StatusOK
	if out.Error != nil {
		code = StatusFor(out.Error.Kind)
	}
	return c.JSON(code, out)
}

func (h *QueryHandler) pending(c echo.Context) error {
	id, ok := runtime.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	p, err := h.Engine.Pending(c.Request().Context(), id.UserID)
	if errors.Is(err, errs.ErrSessionExpired) {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *QueryHandler) cancel(c echo.Context) error {
	id, ok := runtime.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	cancelled, err := h.Engine.Cancel(c.Request().Context(), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// StatusFor maps an error kind to the HTTP status reported with it.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.SessionExpired:
		return http.StatusGone
	case errs.NoMatch, errs.Unclassifiable, errs.UnknownColumn, errs.UnsupportedFilter:
		return http.StatusUnprocessableEntity
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.ConnectionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type AuditHandler struct {
	Log AuditLog
}

func (h *AuditHandler) Register(g *echo.Group) {
	g.GET("", h.list)
}

// list returns a user's recent audit records.
func (h *AuditHandler) list(c echo.Context) error {
	user := strings.TrimSpace(c.QueryParam("user"))
	if user == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user is required")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 0 and 500")
		}
		limit = n
	}
	recs, err := h.Log.ListAudit(c.Request().Context(), user, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"records": recs})
}
