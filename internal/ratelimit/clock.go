package ratelimit

import "time"

// Clock abstracts time so buckets are deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
