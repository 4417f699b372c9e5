package uow

import "sync/atomic"

// Clock is a monotonic logical clock. The unit of work stamps every entity
// it starts tracking and every flush with the next value, so iteration
// follows registration order and never map order.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
