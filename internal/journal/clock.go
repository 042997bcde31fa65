package journal

import "sync/atomic"

// Clock allocates journal sequence numbers.
//
// Every entry is stamped with a strictly increasing seq from this clock.
// Ordering is always by seq, never by wall-clock time, which keeps replay
// deterministic and makes causal order explicit.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a clock whose first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start.
// Used when appending to an existing journal.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the last allocated sequence number.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}

// Observe advances the clock to seq if seq is ahead of it.
// It reports false if seq was not strictly ahead.
func (c *Clock) Observe(seq uint64) bool {
	for {
		cur := c.seq.Load()
		if seq <= cur {
			return false
		}
		if c.seq.CompareAndSwap(cur, seq) {
			return true
		}
	}
}
