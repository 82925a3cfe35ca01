// Package dispatch owns the priority queue, retry policy, and worker
// pool that execute replication work against the sender pool.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/chatmirror/internal/senders"
)

// Priority orders tasks in the queue. Higher values run first; within a
// priority, tasks run in arrival order.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	}
	return "unknown"
}

// Task is one unit of outbound work. Exec runs the platform call with
// the sender the dispatcher selected; the dispatcher owns selection,
// retry, and failure classification.
type Task struct {
	ID       string
	Kind     string // copy, edit, delete, admin
	Priority Priority
	PairID   int64

	// SenderID pins execution to one identity; zero lets the pool pick.
	// With PinSoft the pin is a preference: when that sender is not
	// eligible, any pool sender may take the task (edit and delete
	// tasks prefer the sender that made the original copy).
	SenderID int64
	PinSoft  bool

	Exec func(ctx context.Context, s senders.Sender, senderID int64) error

	// OnDrop is invoked when the task terminates without success:
	// permanent failure, retries exhausted, or shutdown. Optional.
	OnDrop func(reason string)

	attempt    int
	seq        uint64
	readyAt    time.Time
	enqueuedAt time.Time
	index      int
}

// NewTask builds a task with a fresh id.
func NewTask(kind string, prio Priority, pairID int64, exec func(ctx context.Context, s senders.Sender, senderID int64) error) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Kind:     kind,
		Priority: prio,
		PairID:   pairID,
		Exec:     exec,
	}
}

// Attempt returns how many executions the task has had.
func (t *Task) Attempt() int { return t.attempt }

func (t *Task) drop(reason string) {
	if t.OnDrop != nil {
		t.OnDrop(reason)
	}
}
