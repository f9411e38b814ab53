package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Encoder frames events for a transport.
type Encoder interface {
	ContentType() string
	Encode(w io.Writer, ev domain.Event) error
}

// SSE frames events as server-sent events:
//
//	event: tool.start
//	id: 4
//	data: {...}
type SSE struct{}

func (SSE) ContentType() string { return "text/event-stream" }

func (SSE) Encode(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Kind(), ev.Sequence, data)
	return err
}

// NDJSON frames events as one JSON object per line.
type NDJSON struct{}

func (NDJSON) ContentType() string { return "application/x-ndjson" }

func (NDJSON) Encode(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// EncoderFor returns the encoder for a format query value. Unknown and empty
// formats select SSE.
func EncoderFor(format string) Encoder {
	if format == "ndjson" {
		return NDJSON{}
	}
	return SSE{}
}
