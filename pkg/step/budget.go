package step

import "time"

// Budget tracks how much of the configured execution time is left for the
// current invocation.
type Budget struct {
	start  time.Time
	max    time.Duration
	margin time.Duration
	now    func() time.Time
}

// NewBudget returns a budget of max measured from start. TimeoutClose turns
// true once less than margin remains. A max of zero means unlimited.
func NewBudget(start time.Time, max, margin time.Duration) *Budget {
	return &Budget{start: start, max: max, margin: margin, now: time.Now}
}

// WithClock replaces the clock, for tests.
func (b *Budget) WithClock(now func() time.Time) *Budget {
	b.now = now
	return b
}

// TimeoutClose reports whether the step should stop and return a repeat result.
func (b *Budget) TimeoutClose() bool {
	if b == nil || b.max <= 0 {
		return false
	}
	return b.Remaining() < b.margin
}

// Remaining returns the time left before max is reached.
func (b *Budget) Remaining() time.Duration {
	return b.max - b.now().Sub(b.start)
}
