// Package clock lets lock ageing, backup timestamps and retry backoff run
// against either wall time or a test-controlled time source.
package clock

import "time"

// Clock is the time source used across gardenpub.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the system clock in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Since returns the time elapsed on clk since t, never negative.
func Since(clk Clock, t time.Time) time.Duration {
	if clk == nil {
		clk = Real{}
	}
	d := clk.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
