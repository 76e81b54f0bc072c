// Package clock provides wall time for timestamps and a logical sequence
// clock for ordering append-only logs.
package clock

import "time"

// Clock supplies wall time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Millis returns c's current time as epoch milliseconds.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}
