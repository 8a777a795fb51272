package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// OutcomeRequest is the body of POST /api/v1/executions/:id/outcome.
type OutcomeRequest struct {
	Outcome pattern.Outcome `json:"outcome"`
}

// PatchPatternRequest is the body of PATCH /api/v1/patterns/:id. Absent
// fields are left alone.
type PatchPatternRequest struct {
	IsActive       *bool            `json:"is_active,omitempty"`
	AutoExecutable *bool            `json:"auto_executable,omitempty"`
	Template       pattern.Template `json:"template,omitempty"`
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("health check: store unavailable", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

func (s *Server) handleMessage(c echo.Context) error {
	var msg engine.InboundMessage
	if err := c.Bind(&msg); err != nil {
		return badRequest("invalid request body")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	ctx := logging.WithConversationID(c.Request().Context(), msg.ConversationID)
	out, err := s.deps.Engine.Process(ctx, msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleLearn(c echo.Context) error {
	var in learning.Input
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	out, err := s.deps.Learner.Learn(c.Request().Context(), in)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if out.Kind == learning.KindCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, out)
}

func (s *Server) handleImport(c echo.Context) error {
	opts := learning.ImportOptions{OperatorID: c.QueryParam("operator_id")}
	if v := c.QueryParam("chunk_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest("chunk_size must be a positive integer")
		}
		opts.ChunkSize = n
	}
	res, err := s.deps.Learner.Import(c.Request().Context(), c.Request().Body, opts)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func limitParam(c echo.Context) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListExecutions(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	if limit == 0 {
		limit = 100
	}
	recs, err := s.deps.Store.ListExecutions(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) handleGetExecution(c echo.Context) error {
	rec, err := s.deps.Store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	rec, err := s.deps.Engine.RecordOutcome(c.Request().Context(), c.Param("id"), req.Outcome)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListPatterns(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	filter := store.ListFilter{
		State: pattern.State(c.QueryParam("state")),
		Type:  pattern.Type(c.QueryParam("type")),
		Query: c.QueryParam("q"),
		Limit: limit,
	}
	if filter.State != "" && !filter.State.Valid() {
		return badRequest(fmt.Sprintf("unknown state %q", filter.State))
	}
	ps, err := s.deps.Store.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if ps == nil {
		ps = []*pattern.Pattern{}
	}
	return c.JSON(http.StatusOK, ps)
}

func (s *Server) handleGetPattern(c echo.Context) error {
	p, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handlePatchPattern(c echo.Context) error {
	var req PatchPatternRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.IsActive == nil && req.AutoExecutable == nil && req.Template == nil {
		return badRequest("nothing to update")
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	wf := s.deps.Workflow

	var (
		p   *pattern.Pattern
		err error
	)
	if req.Template != nil {
		if p, err = wf.EditTemplate(ctx, id, req.Template); err != nil {
			return err
		}
	}
	if req.IsActive != nil {
		if p, err = wf.SetActive(ctx, id, *req.IsActive); err != nil {
			return err
		}
	}
	if req.AutoExecutable != nil {
		if p, err = wf.SetAutoExecutable(ctx, id, *req.AutoExecutable); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, p)
}

// transitionHandler serves a lifecycle transition on the :id pattern.
func (s *Server) transitionHandler(fn func(ctx context.Context, id string) (*pattern.Pattern, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := fn(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
}

func (s *Server) handleListCandidates(c echo.Context) error {
	cands, err := s.deps.Store.ListCandidates(c.Request().Context())
	if err != nil {
		return err
	}
	if cands == nil {
		cands = []*pattern.Candidate{}
	}
	return c.JSON(http.StatusOK, cands)
}

func (s *Server) handleSweep(c echo.Context) error {
	res, err := s.deps.Workflow.Sweep(c.Request().Context(), s.now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Safety.Snapshot())
}

// handlePutConfig merges a partial JSON document over the current config.
func (s *Server) handlePutConfig(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest("reading request body")
	}
	ctx := c.Request().Context()
	cfg, err := s.deps.Safety.Update(ctx, func(cur *safety.Config) error {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cur); err != nil {
			return badRequest(fmt.Sprintf("invalid config document: %v", err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := events.New(events.KindConfigUpdated, s.now())
	ev.Data = map[string]any{"enabled": cfg.Enabled, "shadow_mode": cfg.ShadowMode}
	events.Emit(ctx, s.deps.Publisher, s.logger, ev)
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.deps.Engine.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
