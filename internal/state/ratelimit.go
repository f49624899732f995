package state

import (
	"context"
	"strconv"
	"time"
)

// Counter is the slice of Service a fixed-window limiter needs.
type Counter interface {
	Available() bool
	Increment(ctx context.Context, key string, ttl time.Duration) int64
}

// FixedWindowLimiter counts hits per subject in fixed windows of length window.
// Keys are {prefix}:{subject}:{windowStartUnix} and expire with the window.
type FixedWindowLimiter struct {
	counter    Counter
	prefix     string
	limit      int64
	window     time.Duration
	failClosed bool
	now        func() time.Time
}

// NewFixedWindowLimiter returns a limiter allowing limit hits per window. When the store is unavailable
// Allow lets every request through, unless failClosed is set, in which case it returns ErrUnavailable.
// A limit of 0 disables limiting.
func NewFixedWindowLimiter(counter Counter, prefix string, limit int, window time.Duration, failClosed bool) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{
		counter:    counter,
		prefix:     prefix,
		limit:      int64(limit),
		window:     window,
		failClosed: failClosed,
		now:        time.Now,
	}
}

// Allow records one hit for subject and reports whether it is within the limit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}
	if l.counter == nil || !l.counter.Available() {
		if l.failClosed {
			return false, ErrUnavailable
		}
		return true, nil
	}
	start := l.now().Truncate(l.window).Unix()
	key := l.prefix + ":" + subject + ":" + strconv.FormatInt(start, 10)
	n := l.counter.Increment(ctx, key, l.window)
	if n == 0 {
		// Store failed mid-flight; same policy as unavailable.
		if l.failClosed {
			return false, ErrUnavailable
		}
		return true, nil
	}
	return n <= l.limit, nil
}

// RetryAfter returns the time left in the current window.
func (l *FixedWindowLimiter) RetryAfter() time.Duration {
	now := l.now()
	return now.Truncate(l.window).Add(l.window).Sub(now)
}
