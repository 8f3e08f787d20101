package clustermembership

import "time"

// Clock abstracts wall-clock access so tests can control the passage of time
// deterministically instead of sleeping. ClusterState never calls time.Now
// directly; it always goes through the injected Clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// NowMillis returns the current time in Unix milliseconds, the unit used by
// MemberRevision.TimestampMs throughout this package.
func NowMillis(c Clock) int64 {
	if c == nil {
		c = SystemClock{}
	}
	return c.Now().UnixMilli()
}
