package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
	"github.com/adred-codev/chatmirror/internal/senders"
)

const (
	defaultWorkers      = 50
	defaultCapacity     = 50000
	defaultMaxAttempts  = 3
	defaultDrainTimeout = 15 * time.Second
)

// Options tune the dispatcher. Zero values take the defaults.
type Options struct {
	Workers      int
	Capacity     int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
	DrainTimeout time.Duration
}

// Dispatcher pulls tasks off the priority queue with a fixed worker
// pool, leases senders for them, and retries transient failures with
// exponential backoff. A failure-rate circuit sheds low-priority work
// when the platform is rejecting sends.
type Dispatcher struct {
	logger       zerolog.Logger
	pool         *senders.Pool
	q            *queue
	circuit      *circuit
	workers      int
	maxAttempts  int
	retry        backoff
	drainTimeout time.Duration

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a dispatcher over the given sender pool.
func New(pool *senders.Pool, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Dispatcher{
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		pool:         pool,
		q:            newQueue(opts.Capacity),
		circuit:      newCircuit(),
		workers:      opts.Workers,
		maxAttempts:  opts.MaxAttempts,
		retry:        newBackoff(opts.RetryBase, opts.RetryCap),
		drainTimeout: opts.DrainTimeout,
	}
}

// Enqueue admits a task. While the circuit is open, tasks below High
// priority are rejected with ErrBackpressure; edits, deletes, and admin
// work keep flowing.
func (d *Dispatcher) Enqueue(t *Task) error {
	if d.circuit.isOpen() && t.Priority < High {
		t.drop("backpressure")
		return domain.ErrBackpressure
	}
	if err := d.q.push(t, false); err != nil {
		t.drop("queue_full")
		return err
	}
	return nil
}

// EnqueueAfter admits a task that becomes runnable after delay.
func (d *Dispatcher) EnqueueAfter(t *Task, delay time.Duration) error {
	t.readyAt = time.Now().Add(delay)
	return d.Enqueue(t)
}

// QueueDepth returns runnable and parked task counts.
func (d *Dispatcher) QueueDepth() (ready, delayed int) { return d.q.depth() }

// CircuitOpen reports the breaker state.
func (d *Dispatcher) CircuitOpen() bool { return d.circuit.isOpen() }

// FailureRate returns the one-minute send failure rate and its sample
// count. The health monitor folds it into its error-rate EMA.
func (d *Dispatcher) FailureRate() (float64, int) { return d.circuit.failureRate() }

// ClearQueue drops every queued task. Admin escape hatch for a wedged
// backlog; in-flight tasks finish normally.
func (d *Dispatcher) ClearQueue() int {
	n := d.q.drainRemaining("cleared")
	monitoring.TasksCompleted.WithLabelValues("cleared").Add(float64(n))
	d.logger.Warn().Int("dropped", n).Msg("Dispatch queue cleared by admin")
	return n
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// the queue is closed and drained.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info().Int("workers", d.workers).Msg("Dispatcher started")
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Drain stops intake and lets workers finish queued work, bounded by
// the drain timeout. Whatever remains is dropped and counted.
func (d *Dispatcher) Drain() {
	d.q.close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("Dispatcher drained")
	case <-time.After(d.drainTimeout):
		n := d.q.drainRemaining("shutdown")
		monitoring.TasksCompleted.WithLabelValues("abandoned").Add(float64(n))
		d.logger.Warn().Int("abandoned", n).Msg("Drain timeout; abandoning queued tasks")
		<-done
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	defer monitoring.RecoverPanic(d.logger, "dispatch-worker", map[string]interface{}{"worker": id})

	for {
		t, err := d.q.pop(ctx)
		if err != nil {
			return
		}
		d.run(ctx, t)
	}
}

// run executes one task attempt end to end: lease, call, classify.
func (d *Dispatcher) run(ctx context.Context, t *Task) {
	lease, wait, err := d.pool.Acquire(t.SenderID)
	if err != nil && t.SenderID != 0 && t.PinSoft {
		lease, wait, err = d.pool.Acquire(0)
	}
	if err != nil {
		// No sender right now. Park the task for the larger of the
		// soonest rate-limit expiry and one backoff step; sender
		// starvation does not consume an attempt.
		if floor := d.retry.delay(1); wait < floor {
			wait = floor
		}
		t.readyAt = time.Now().Add(wait)
		if pushErr := d.q.push(t, true); pushErr != nil {
			t.drop("no_sender")
			monitoring.TasksCompleted.WithLabelValues("no_sender").Inc()
			d.logger.Error().Str("task_id", t.ID).Msg("Dropping task; no eligible sender and queue full")
		}
		return
	}

	t.attempt++
	start := time.Now()
	execErr := t.Exec(ctx, lease.Sender(), lease.ID())
	latency := time.Since(start)
	lease.Done(ctx, latency, execErr)
	monitoring.SendLatency.Observe(latency.Seconds())

	if execErr == nil {
		d.circuit.record(true)
		monitoring.TasksCompleted.WithLabelValues("success").Inc()
		return
	}
	if errors.Is(execErr, context.Canceled) || errors.Is(execErr, domain.ErrCancelled) {
		t.drop("shutdown")
		monitoring.TasksCompleted.WithLabelValues("abandoned").Inc()
		return
	}

	d.circuit.record(false)
	se := domain.ClassifySend(execErr)

	switch se.Kind {
	case domain.SendPermanent:
		t.drop("permanent")
		monitoring.TasksCompleted.WithLabelValues("permanent").Inc()
		d.logger.Error().
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Int64("pair_id", t.PairID).
			Int("code", se.Code).
			Err(execErr).
			Msg("Task failed permanently")
		return

	default:
		if t.attempt >= d.maxAttempts {
			t.drop("exhausted")
			monitoring.TasksCompleted.WithLabelValues("exhausted").Inc()
			d.logger.Error().
				Str("task_id", t.ID).
				Str("kind", t.Kind).
				Int64("pair_id", t.PairID).
				Int("attempts", t.attempt).
				Err(execErr).
				Msg("Task failed; retries exhausted")
			return
		}
		delay := d.retry.delay(t.attempt)
		if se.Kind == domain.SendRateLimited && se.RetryAfter > delay {
			delay = se.RetryAfter
		}
		monitoring.TaskRetries.Inc()
		t.readyAt = time.Now().Add(delay)
		if pushErr := d.q.push(t, true); pushErr != nil {
			t.drop("queue_full")
			monitoring.TasksCompleted.WithLabelValues("exhausted").Inc()
			d.logger.Error().Str("task_id", t.ID).Msg("Dropping retry; queue full")
			return
		}
		d.logger.Warn().
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Int("attempt", t.attempt).
			Dur("delay", delay).
			Err(execErr).
			Msg("Task retry scheduled")
	}
}
