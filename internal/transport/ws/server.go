// Package ws streams run events over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/hub"
	"github.com/xiaot623/agentrun/internal/stream"
)

// Options configures keepalive and write deadlines.
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Server upgrades HTTP requests and pumps a run's events to the socket.
type Server struct {
	hub      *hub.Hub
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(h *hub.Hub, logger *zap.Logger, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:    h,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Hub returns the connection registry.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Serve upgrades the request and writes one text message per event of st,
// closing normally after run.end. Serve owns st.
func (s *Server) Serve(c echo.Context, st *stream.Stream) error {
	defer st.Close()

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Warn("failed to upgrade websocket", zap.String("run_id", st.RunID()), zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws, st.RunID())
	s.hub.Register(conn)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go s.readPump(conn, cancel)

	s.writePump(ctx, conn, st)
	return nil
}

// readPump discards client frames, keeps the read deadline fresh on pong and
// cancels the stream once the peer goes away.
func (s *Server) readPump(conn *hub.Connection, cancel context.CancelFunc) {
	defer cancel()

	wait := 2 * s.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer of data frames on conn.
func (s *Server) writePump(ctx context.Context, conn *hub.Connection, st *stream.Stream) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	events := make(chan domain.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := st.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	logger := s.logger.With(zap.String("run_id", st.RunID()), zap.String("conn_id", conn.ID))
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.close(conn, <-errc, logger)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("failed to marshal event", zap.Int64("sequence", ev.Sequence), zap.Error(err))
				s.close(conn, err, logger)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("failed to write event", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// close ends the connection after the stream stopped with err.
func (s *Server) close(conn *hub.Connection, err error, logger *zap.Logger) {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	if errors.Is(err, io.EOF) {
		conn.WriteControl(websocket.CloseMessage, closeFrame(websocket.CloseNormalClosure, ReasonRunEnded), deadline)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	logger.Warn("websocket stream failed", zap.Error(err))
	data, _ := json.Marshal(ErrorMessage{
		Type:    TypeError,
		RunID:   conn.RunID,
		Code:    domain.Code(err),
		Message: err.Error(),
	})
	conn.SetWriteDeadline(deadline)
	conn.WriteMessage(websocket.TextMessage, data)
	conn.WriteControl(websocket.CloseMessage, closeFrame(websocket.CloseInternalServerErr, ReasonStreamFailed), deadline)
}
