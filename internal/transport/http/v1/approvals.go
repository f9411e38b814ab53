package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
)

// ListApprovals lists the pending approvals of a run.
// GET /v1/runs/:run_id/approvals
func (h *Handler) ListApprovals(c echo.Context) error {
	approvals, err := h.service.ListPendingApprovals(c.Request().Context(), c.Param("run_id"), c.QueryParam("scope_project_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListApprovalsResponse{Approvals: approvals})
}

// DecideApproval submits a decision for a pending approval.
// POST /v1/runs/:run_id/approvals/:approval_id/decide
func (h *Handler) DecideApproval(c echo.Context) error {
	var req domain.DecideRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.RunID = c.Param("run_id")
	req.ApprovalID = c.Param("approval_id")

	approval, err := h.service.DecideApproval(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, approval)
}
