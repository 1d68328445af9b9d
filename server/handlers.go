package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/teranos/transmute/ci"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/jobs"
)

type submitResponse struct {
	ID string `json:"id"`
}

type cancelResponse struct {
	ID    string     `json:"id"`
	State jobs.State `json:"state"`
}

type listResponse struct {
	Jobs []jobs.Status `json:"jobs"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit enqueues a job. It answers before the job starts.
func (s *Server) handleSubmit(c echo.Context) error {
	var req jobs.Request
	if err := c.Bind(&req); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid request body"), errors.ErrInvalidRequest)
	}

	// A trigger no adapter understands can never pass, refuse it now
	if len(req.CITrigger) > 0 && string(req.CITrigger) != "null" {
		if _, err := ci.ParseTrigger(req.CITrigger); err != nil {
			return err
		}
	}

	id, err := s.queue.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) handleStatus(c echo.Context) error {
	job, err := s.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job.Status())
}

func (s *Server) handleList(c echo.Context) error {
	var filter *jobs.State
	if raw := c.QueryParam("state"); raw != "" {
		state, err := jobs.ParseState(raw)
		if err != nil {
			return err
		}
		filter = &state
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errors.NewInvalidRequestError("limit must be a non-negative integer, got %q", raw)
		}
		limit = n
	}

	list, err := s.queue.List(c.Request().Context(), filter, limit)
	if err != nil {
		return err
	}

	resp := listResponse{Jobs: make([]jobs.Status, 0, len(list))}
	for _, job := range list {
		resp.Jobs = append(resp.Jobs, job.Status())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	state, err := s.queue.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cancelResponse{ID: id, State: state})
}

func (s *Server) handleCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.Describe())
}

func (s *Server) handleMetrics(c echo.Context) error {
	if s.metrics == nil {
		return errors.Mark(
			errors.New("no workers run in this process"),
			errors.ErrServiceUnavailable,
		)
	}
	return c.JSON(http.StatusOK, s.metrics.Metrics(c.Request().Context()))
}
