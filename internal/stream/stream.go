// Package stream delivers a run's events to one consumer in sequence order
// and frames them for the wire.
package stream

import (
	"context"
	"errors"
	"io"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventlog"
)

// Stream is one consumer's ordered view of a run. Next returns io.EOF right
// after run.end.
type Stream struct {
	runID  string
	reader eventlog.Reader
	live   bool
}

// New wraps reader. live reports whether reader follows appends, as opposed
// to replaying stored history.
func New(runID string, reader eventlog.Reader, live bool) *Stream {
	return &Stream{runID: runID, reader: reader, live: live}
}

// RunID returns the run being streamed.
func (s *Stream) RunID() string { return s.runID }

// Live reports whether the stream follows a running log.
func (s *Stream) Live() bool { return s.live }

// Next returns the next event.
func (s *Stream) Next(ctx context.Context) (domain.Event, error) {
	return s.reader.Next(ctx)
}

// Close releases the stream.
func (s *Stream) Close() { s.reader.Close() }

// Pump writes every event of s to w through enc, calling flush after each
// frame. It returns nil once run.end has been written.
func Pump(ctx context.Context, s *Stream, w io.Writer, enc Encoder, flush func()) error {
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(w, ev); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
}
