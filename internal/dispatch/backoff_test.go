package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayBounds(t *testing.T) {
	b := newBackoff(0, 0)
	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.delay(attempt)
			floor := b.base << (attempt - 1)
			if floor > b.limit || floor < 0 {
				floor = b.limit
			}
			assert.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
			assert.LessOrEqual(t, d, b.limit, "attempt %d", attempt)
		}
	}
}

func TestRetryDelayMonotone(t *testing.T) {
	b := newBackoff(0, 0)
	// The max delay for attempt n never exceeds the min for attempt n+1.
	for attempt := 1; attempt < 10; attempt++ {
		maxN := b.base<<(attempt-1) + b.base
		minNext := b.base << attempt
		if minNext > b.limit {
			break
		}
		assert.LessOrEqual(t, maxN, minNext)
	}
}

func TestRetryDelayClampsBadAttempt(t *testing.T) {
	b := newBackoff(0, 0)
	d := b.delay(0)
	assert.GreaterOrEqual(t, d, b.base)
	assert.Less(t, d, 2*b.base)
	assert.Equal(t, b.limit, b.delay(60), "huge attempt counts saturate at the cap")
}

func TestRetryDelayCap(t *testing.T) {
	b := newBackoff(0, 0)
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, b.delay(30), 60*time.Second)
	}
}

func TestBackoffHonorsTuning(t *testing.T) {
	b := newBackoff(time.Second, 4*time.Second)
	assert.Equal(t, time.Second, b.base)
	for i := 0; i < 20; i++ {
		d := b.delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
		assert.Equal(t, 4*time.Second, b.delay(10), "cap applies before jitter")
	}
}
