package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/stream"
)

// StreamRun streams a run's events as SSE, or NDJSON with ?format=ndjson.
// The response ends right after run.end.
// GET /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	st, err := h.service.OpenStream(ctx, runID)
	if err != nil {
		return h.fail(c, err)
	}
	defer st.Close()

	enc := stream.EncoderFor(c.QueryParam("format"))
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, enc.ContentType())
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	if err := stream.Pump(ctx, st, res, enc, res.Flush); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("run stream interrupted", zap.String("run_id", runID), zap.Error(err))
	}
	return nil
}

// StreamRunWS streams a run's events over a WebSocket.
// GET /v1/runs/:run_id/ws
func (h *Handler) StreamRunWS(c echo.Context) error {
	st, err := h.service.OpenStream(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.ws.Serve(c, st)
}
