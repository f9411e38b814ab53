package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
)

// StartRun starts a run and returns its identifiers.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.StartRun(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetRunResult reports the status of a run.
// GET /v1/runs/:run_id?scope_project_id=
func (h *Handler) GetRunResult(c echo.Context) error {
	scope := c.QueryParam("scope_project_id")
	if scope == "" {
		return badRequest(c, "scope_project_id is required")
	}

	result, err := h.service.GetRunResult(c.Request().Context(), c.Param("run_id"), scope)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CancelRun asks a run to stop.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req domain.CancelRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.RunID = c.Param("run_id")

	resp, err := h.service.CancelRun(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRunEvents returns stored events of a run as JSON.
// GET /v1/runs/:run_id/events?after_sequence=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = val
	}
	var after int64
	if a := c.QueryParam("after_sequence"); a != "" {
		val, err := strconv.ParseInt(a, 10, 64)
		if err != nil || val < 0 {
			return badRequest(c, "after_sequence must be a non-negative integer")
		}
		after = val
	}

	events, err := h.service.ListRunEvents(c.Request().Context(), c.Param("run_id"), after, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListEventsResponse{Events: events})
}
