package logic

import (
	"errors"
	"time"
)

// ErrInvalidInterval is returned for non-positive schedule intervals.
var ErrInvalidInterval = errors.New("interval must be positive")

// NextRunDelay returns how long to wait before the next run of a job that
// repeats every interval starting at createdAt:
//
//	interval - ((now - createdAt) mod interval)
//
// The cadence is anchored on createdAt, never on process start. The result is
// always in (0, interval].
func NextRunDelay(createdAt, now time.Time, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}
	elapsed := now.Sub(createdAt) % interval
	if elapsed < 0 {
		elapsed += interval
	}
	return interval - elapsed, nil
}

// IntervalFromMinutes converts a minutes column into a duration, using
// fallback when minutes is not positive.
func IntervalFromMinutes(minutes int, fallback time.Duration) time.Duration {
	if minutes <= 0 {
		return fallback
	}
	return time.Duration(minutes) * time.Minute
}
