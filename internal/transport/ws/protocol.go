package ws

import "github.com/gorilla/websocket"

// Server to client frames are events serialized exactly as on the HTTP
// stream. Only failures get a frame of their own.

// TypeError tags an ErrorMessage.
const TypeError = "error"

// ErrorMessage is sent when the stream breaks before run.end.
type ErrorMessage struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Close reasons.
const (
	ReasonRunEnded     = "run ended"
	ReasonStreamFailed = "stream failed"
	ReasonShutdown     = "server shutting down"
)

func closeFrame(code int, reason string) []byte {
	return websocket.FormatCloseMessage(code, reason)
}
