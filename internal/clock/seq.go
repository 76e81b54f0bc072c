package clock

import "sync/atomic"

// Seq is a monotonic logical clock.
//
// Every value handed out is strictly greater than the previous one, so
// ordering never depends on wall time.
//
// Thread-safety: Seq is safe for concurrent use (atomic operations).
type Seq struct {
	seq atomic.Int64
}

// NewSeq creates a clock starting at 0.
func NewSeq() *Seq {
	return &Seq{}
}

// NewSeqAt creates a clock starting at a specific value.
// Used to resume from the last persisted position.
func NewSeqAt(start int64) *Seq {
	c := &Seq{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Seq) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current value without incrementing.
func (c *Seq) Current() int64 {
	return c.seq.Load()
}
