// Package clock supplies the millisecond timestamps courier stores and puts on the wire. Tests substitute a clock
// which only moves when told to.
package clock

import "time"

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type System struct{}

func NewSystemClock() Clock {
	return System{}
}

func (System) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (System) Now() time.Time {
	return time.Now()
}

// Ms converts a millisecond timestamp into a time.Time.
func Ms(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

// MsAgo is the timestamp d before now on c, clamped at zero.
func MsAgo(c Clock, d time.Duration) uint64 {
	now := c.CurrentTimeMs()
	ago := uint64(d.Milliseconds())
	if ago >= now {
		return 0
	}
	return now - ago
}

// Until is how long c has to run before reaching ms. A timestamp already passed gives zero.
func Until(c Clock, ms uint64) time.Duration {
	now := c.CurrentTimeMs()
	if ms <= now {
		return 0
	}
	return time.Duration(ms-now) * time.Millisecond
}
