package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/senders"
)

type fakeSender struct{}

func (fakeSender) SendText(ctx context.Context, chat int64, text string, entities []domain.Entity, replyTo int64, disablePreview bool) (int64, error) {
	return 1, nil
}
func (fakeSender) SendMedia(ctx context.Context, chat int64, kind domain.MediaTag, data []byte, caption string, entities []domain.Entity, replyTo int64) (int64, error) {
	return 1, nil
}
func (fakeSender) EditText(ctx context.Context, chat, msgID int64, text string, entities []domain.Entity) error {
	return nil
}
func (fakeSender) DeleteMessage(ctx context.Context, chat, msgID int64) error { return nil }
func (fakeSender) KickUser(ctx context.Context, chat, userID int64) error     { return nil }
func (fakeSender) UnbanUser(ctx context.Context, chat, userID int64) error    { return nil }
func (fakeSender) Ping(ctx context.Context) error                             { return nil }

func testDispatcher(t *testing.T) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	pool := senders.NewPool(nil, zerolog.Nop())
	pool.Register(1, "test", fakeSender{}, true)
	d := New(pool, zerolog.Nop(), Options{Workers: 2, Capacity: 16})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	return d, cancel
}

func TestDispatcherExecutesTask(t *testing.T) {
	d, cancel := testDispatcher(t)
	defer cancel()

	done := make(chan struct{})
	task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
		close(done)
		return nil
	})
	require.NoError(t, d.Enqueue(task))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never executed")
	}
	d.Drain()
}

func TestDispatcherRetriesTransient(t *testing.T) {
	d, cancel := testDispatcher(t)
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
		if calls.Add(1) < 3 {
			return domain.Transient(errors.New("flaky"))
		}
		close(done)
		return nil
	})
	require.NoError(t, d.Enqueue(task))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never succeeded")
	}
	assert.Equal(t, int32(3), calls.Load())
	d.Drain()
}

func TestDispatcherPermanentFailureDoesNotRetry(t *testing.T) {
	d, cancel := testDispatcher(t)
	defer cancel()

	var calls atomic.Int32
	dropped := make(chan string, 1)
	task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
		calls.Add(1)
		return domain.Permanent(403, errors.New("forbidden"))
	})
	task.OnDrop = func(reason string) { dropped <- reason }
	require.NoError(t, d.Enqueue(task))

	select {
	case reason := <-dropped:
		assert.Equal(t, "permanent", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("task never dropped")
	}
	assert.Equal(t, int32(1), calls.Load())
	d.Drain()
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	d, cancel := testDispatcher(t)
	defer cancel()

	var calls atomic.Int32
	dropped := make(chan string, 1)
	task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
		calls.Add(1)
		return domain.Transient(errors.New("down"))
	})
	task.OnDrop = func(reason string) { dropped <- reason }
	require.NoError(t, d.Enqueue(task))

	select {
	case reason := <-dropped:
		assert.Equal(t, "exhausted", reason)
	case <-time.After(10 * time.Second):
		t.Fatal("task never gave up")
	}
	assert.Equal(t, int32(defaultMaxAttempts), calls.Load())
	d.Drain()
}

func TestDispatcherHonorsAttemptCeiling(t *testing.T) {
	pool := senders.NewPool(nil, zerolog.Nop())
	pool.Register(1, "test", fakeSender{}, true)
	d := New(pool, zerolog.Nop(), Options{Workers: 1, Capacity: 16, MaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	var calls atomic.Int32
	dropped := make(chan string, 1)
	task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
		calls.Add(1)
		return domain.Transient(errors.New("down"))
	})
	task.OnDrop = func(reason string) { dropped <- reason }
	require.NoError(t, d.Enqueue(task))

	select {
	case reason := <-dropped:
		assert.Equal(t, "exhausted", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("task never gave up")
	}
	assert.Equal(t, int32(1), calls.Load())
	d.Drain()
}

func TestNoSenderRequeueWaitsAtLeastOneBackoffStep(t *testing.T) {
	// Empty pool: acquisition fails with no rate-limit hint, so the park
	// delay must fall back to the backoff floor rather than zero.
	pool := senders.NewPool(nil, zerolog.Nop())
	d := New(pool, zerolog.Nop(), Options{Workers: 1, Capacity: 8})

	task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
		return nil
	})
	before := time.Now()
	d.run(context.Background(), task)

	ready, delayed := d.QueueDepth()
	assert.Equal(t, 0, ready)
	assert.Equal(t, 1, delayed)
	assert.False(t, task.readyAt.Before(before.Add(defaultRetryBase)),
		"park delay is at least one backoff base")
	assert.Equal(t, 0, task.Attempt(), "sender starvation does not consume an attempt")
}

func TestDispatcherBackpressure(t *testing.T) {
	pool := senders.NewPool(nil, zerolog.Nop())
	pool.Register(1, "test", fakeSender{}, true)
	d := New(pool, zerolog.Nop(), Options{Workers: 1, Capacity: 16})

	d.circuit.now = func() time.Time { return time.Unix(1000, 0) }
	for i := 0; i < circuitMinSample; i++ {
		d.circuit.record(false)
	}
	require.True(t, d.CircuitOpen())

	err := d.Enqueue(NewTask("copy", Normal, 1, nil))
	assert.ErrorIs(t, err, domain.ErrBackpressure)

	assert.NoError(t, d.Enqueue(NewTask("edit", High, 1, nil)), "High and above bypass backpressure")
	assert.NoError(t, d.Enqueue(NewTask("delete", Urgent, 1, nil)))
}

func TestDispatcherDrainRunsQueuedWork(t *testing.T) {
	d, cancel := testDispatcher(t)
	defer cancel()

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		task := NewTask("copy", Normal, 1, func(ctx context.Context, s senders.Sender, senderID int64) error {
			defer wg.Done()
			done.Add(1)
			return nil
		})
		require.NoError(t, d.Enqueue(task))
	}
	d.Drain()
	wg.Wait()
	assert.Equal(t, int32(8), done.Load())
}
