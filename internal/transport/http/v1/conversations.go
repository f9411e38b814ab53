package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/timeline"
)

// GetConversationMessages retrieves the persisted messages of a conversation.
// GET /v1/conversations/:conversation_id/messages
func (h *Handler) GetConversationMessages(c echo.Context) error {
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = val
	}

	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("conversation_id"), c.QueryParam("scope_project_id"), limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListMessagesResponse{Messages: messages})
}

// TimelineResponse wraps reduced timeline items.
type TimelineResponse struct {
	Items []timeline.Item `json:"items"`
}

// GetConversationTimeline reduces a conversation's events and messages into
// display items.
// GET /v1/conversations/:conversation_id/timeline
func (h *Handler) GetConversationTimeline(c echo.Context) error {
	items, err := h.service.Timeline(c.Request().Context(), c.Param("conversation_id"), c.QueryParam("scope_project_id"))
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []timeline.Item{}
	}
	return c.JSON(http.StatusOK, TimelineResponse{Items: items})
}
