package eventlog

import "sync"

// Counter hands out display orders shared by the events and messages of one
// conversation. Values are strictly increasing.
type Counter struct {
	mu   sync.Mutex
	last int64
}

// NewCounter returns a counter whose first value is last+1.
func NewCounter(last int64) *Counter {
	return &Counter{last: last}
}

// Next returns the next display order.
func (c *Counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return c.last
}

// Last returns the most recently issued display order.
func (c *Counter) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
