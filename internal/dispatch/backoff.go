package dispatch

import (
	"math/rand"
	"time"
)

const (
	defaultRetryBase = 300 * time.Millisecond
	defaultRetryCap  = 60 * time.Second
)

// backoff computes retry waits: base doubles each attempt, plus up to
// one base of jitter, capped. The jitter never exceeds the next step's
// floor, so delays are monotone in the attempt count.
type backoff struct {
	base  time.Duration
	limit time.Duration
}

func newBackoff(base, limit time.Duration) backoff {
	if base <= 0 {
		base = defaultRetryBase
	}
	if limit <= 0 {
		limit = defaultRetryCap
	}
	return backoff{base: base, limit: limit}
}

// delay returns the wait before attempt n+1 after n failed attempts.
func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.base << (attempt - 1)
	if d > b.limit || d < 0 {
		return b.limit
	}
	d += time.Duration(rand.Int63n(int64(b.base)))
	if d > b.limit {
		return b.limit
	}
	return d
}
