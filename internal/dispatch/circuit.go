package dispatch

import (
	"sync"
	"time"

	"github.com/adred-codev/chatmirror/internal/monitoring"
)

const (
	circuitWindow    = 60 // one-second buckets
	circuitOpenRate  = 0.25
	circuitCloseRate = 0.10
	circuitMinSample = 20
)

// circuit tracks the one-minute send failure rate. Above the open
// threshold the dispatcher sheds sub-HIGH enqueues; the breaker closes
// again once the rate falls under the close threshold. The gap between
// the two thresholds stops it flapping.
type circuit struct {
	mu      sync.Mutex
	open    bool
	buckets [circuitWindow]bucket
	now     func() time.Time
}

type bucket struct {
	sec    int64
	ok     int
	failed int
}

func newCircuit() *circuit {
	return &circuit{now: time.Now}
}

// record folds one outcome into the window and re-evaluates the state.
func (c *circuit) record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec := c.now().Unix()
	b := &c.buckets[sec%circuitWindow]
	if b.sec != sec {
		b.sec, b.ok, b.failed = sec, 0, 0
	}
	if success {
		b.ok++
	} else {
		b.failed++
	}

	ok, failed := 0, 0
	floor := sec - circuitWindow + 1
	for i := range c.buckets {
		if c.buckets[i].sec >= floor {
			ok += c.buckets[i].ok
			failed += c.buckets[i].failed
		}
	}
	total := ok + failed
	if total < circuitMinSample {
		return
	}
	rate := float64(failed) / float64(total)
	switch {
	case !c.open && rate > circuitOpenRate:
		c.open = true
		monitoring.CircuitOpen.Set(1)
	case c.open && rate < circuitCloseRate:
		c.open = false
		monitoring.CircuitOpen.Set(0)
	}
}

func (c *circuit) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// failureRate returns the current windowed rate and sample count.
func (c *circuit) failureRate() (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := c.now().Unix() - circuitWindow + 1
	ok, failed := 0, 0
	for i := range c.buckets {
		if c.buckets[i].sec >= floor {
			ok += c.buckets[i].ok
			failed += c.buckets[i].failed
		}
	}
	total := ok + failed
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}
