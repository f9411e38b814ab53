// Package http provides the HTTP server implementation for the orchestrator.
package http

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/service"
	v1 "github.com/xiaot623/agentrun/internal/transport/http/v1"
	"github.com/xiaot623/agentrun/internal/transport/ws"
)

// bodyOverhead is allowed on top of the question limit for the JSON envelope.
const bodyOverhead = 16 * 1024

// Options configures the HTTP server.
type Options struct {
	// MaxQuestionBytes bounds request bodies together with bodyOverhead.
	MaxQuestionBytes int
	Logger           *zap.Logger
}

// NewServer creates and configures the public HTTP server.
func NewServer(svc *service.Service, wsServer *ws.Server, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("http request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if opts.MaxQuestionBytes > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", opts.MaxQuestionBytes+bodyOverhead)))
	}

	// Handlers
	v1.NewHandler(svc, wsServer, logger).RegisterRoutes(e)

	return e
}
