package service

import (
	"strings"
	"time"
)

// Message deltas are coalesced into message.chunk events once any of these
// limits is reached.
const (
	chunkInterval  = 50 * time.Millisecond
	chunkMaxDeltas = 20
	chunkMaxChars  = 4096
)

// chunker buffers message deltas between flushes. The first delta after a
// quiet interval flushes at once.
type chunker struct {
	now       func() time.Time
	buf       strings.Builder
	deltas    int
	lastFlush time.Time
}

func newChunker(now func() time.Time) *chunker {
	return &chunker{now: now}
}

// add buffers delta and returns the text to flush, if a limit was reached.
func (c *chunker) add(delta string) (string, bool) {
	c.buf.WriteString(delta)
	c.deltas++
	now := c.now()
	if c.deltas >= chunkMaxDeltas || c.buf.Len() >= chunkMaxChars || now.Sub(c.lastFlush) >= chunkInterval {
		c.lastFlush = now
		return c.take()
	}
	return "", false
}

// drain empties the buffer.
func (c *chunker) drain() (string, bool) {
	if c.deltas == 0 {
		return "", false
	}
	c.lastFlush = c.now()
	return c.take()
}

func (c *chunker) take() (string, bool) {
	text := c.buf.String()
	c.buf.Reset()
	c.deltas = 0
	return text, true
}
