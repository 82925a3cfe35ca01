package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

// readyHeap orders runnable tasks: higher priority first, then FIFO by
// enqueue sequence.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *readyHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// delayedHeap orders parked retries by wake time.
type delayedHeap []*Task

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *delayedHeap) Push(x any) { t := x.(*Task); t.index = len(*h); *h = append(*h, t) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

var errQueueDrained = domain.ErrCancelled

// queue holds runnable and parked tasks under one lock. Capacity covers
// both heaps so retries cannot grow the queue past its bound.
type queue struct {
	mu       sync.Mutex
	capacity int
	ready    readyHeap
	delayed  delayedHeap
	seq      uint64
	closed   bool
	now      func() time.Time

	notify chan struct{} // pulsed on push
	stop   chan struct{} // closed on Close
}

func newQueue(capacity int) *queue {
	monitoring.QueueCapacity.Set(float64(capacity))
	return &queue{
		capacity: capacity,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// push enqueues t, optionally delayed until t.readyAt. A retry push
// (requeue=true) bypasses the closed check so drain can finish work it
// already accepted.
func (q *queue) push(t *Task, requeue bool) error {
	q.mu.Lock()
	if q.closed && !requeue {
		q.mu.Unlock()
		return domain.ErrCancelled
	}
	if len(q.ready)+len(q.delayed) >= q.capacity {
		q.mu.Unlock()
		return domain.ErrQueueFull
	}
	if !requeue {
		q.seq++
		t.seq = q.seq
		t.enqueuedAt = q.now()
	}
	if !t.readyAt.IsZero() && t.readyAt.After(q.now()) && !q.closed {
		heap.Push(&q.delayed, t)
	} else {
		t.readyAt = time.Time{}
		heap.Push(&q.ready, t)
	}
	monitoring.QueueDepth.WithLabelValues(t.Priority.String()).Inc()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until a task is runnable, ctx is done, or the queue is
// closed and empty.
func (q *queue) pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		now := q.now()
		for len(q.delayed) > 0 && !q.delayed[0].readyAt.After(now) {
			t := heap.Pop(&q.delayed).(*Task)
			t.readyAt = time.Time{}
			heap.Push(&q.ready, t)
		}
		if len(q.ready) > 0 {
			t := heap.Pop(&q.ready).(*Task)
			monitoring.QueueDepth.WithLabelValues(t.Priority.String()).Dec()
			q.mu.Unlock()
			return t, nil
		}
		if q.closed && len(q.delayed) == 0 {
			q.mu.Unlock()
			return nil, errQueueDrained
		}
		var timer *time.Timer
		var wake <-chan time.Time
		if len(q.delayed) > 0 {
			timer = time.NewTimer(q.delayed[0].readyAt.Sub(now))
			wake = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.stop:
			if timer != nil {
				timer.Stop()
			}
			// Re-loop: close promotes delayed tasks, so the next pass
			// either pops or sees empty-and-closed.
		case <-q.notify:
			if timer != nil {
				timer.Stop()
			}
		case <-wake:
		}
	}
}

// close stops new enqueues and promotes parked retries so drain can run
// them immediately.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for len(q.delayed) > 0 {
		t := heap.Pop(&q.delayed).(*Task)
		t.readyAt = time.Time{}
		heap.Push(&q.ready, t)
	}
	q.mu.Unlock()
	close(q.stop)
}

// depth returns runnable and parked counts.
func (q *queue) depth() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed)
}

// drainRemaining empties the queue, invoking each task's drop hook.
// Called after the drain deadline passes.
func (q *queue) drainRemaining(reason string) int {
	q.mu.Lock()
	n := len(q.ready) + len(q.delayed)
	tasks := make([]*Task, 0, n)
	for len(q.ready) > 0 {
		t := heap.Pop(&q.ready).(*Task)
		monitoring.QueueDepth.WithLabelValues(t.Priority.String()).Dec()
		tasks = append(tasks, t)
	}
	for len(q.delayed) > 0 {
		t := heap.Pop(&q.delayed).(*Task)
		monitoring.QueueDepth.WithLabelValues(t.Priority.String()).Dec()
		tasks = append(tasks, t)
	}
	q.mu.Unlock()

	for _, t := range tasks {
		t.drop(reason)
	}
	return n
}
