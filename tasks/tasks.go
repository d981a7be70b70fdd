package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskAlreadyClaimed = errors.New("task already claimed")
	ErrTaskNotClaimed     = errors.New("task not claimed")
	ErrTaskCompleted      = errors.New("task already completed")
	ErrTaskFailed         = errors.New("task has failed permanently")
	ErrTaskActive         = errors.New("task still active")
	ErrInvalidTask        = errors.New("invalid task")
	ErrInvalidWorkerID    = errors.New("invalid worker ID")
	ErrStoreClosed        = errors.New("store closed")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusClaimed   TaskStatus = "claimed"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the persisted record of one background job.
type Task struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts,omitempty"` // 0: unlimited
	CreatedAt      time.Time       `json:"created_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		c.ClaimedAt = &claimed
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// TaskManager records task state transitions.
type TaskManager interface {
	// Submit stores a new pending task. If IdempotencyKey matches an
	// existing task, that task's ID is returned and created is false.
	Submit(ctx context.Context, task Task) (id string, created bool, err error)

	// Claim moves a pending task to claimed and counts an attempt.
	Claim(ctx context.Context, taskID, workerID string) error

	// Complete records the result of a claimed task.
	Complete(ctx context.Context, taskID string, result []byte) error

	// Fail records an error. The task returns to pending while attempts
	// remain, otherwise it fails permanently.
	Fail(ctx context.Context, taskID string, err error) error

	Get(ctx context.Context, taskID string) (*Task, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Task, error)

	// List returns tasks with the given status, or all when status is "".
	List(ctx context.Context, status TaskStatus) ([]*Task, error)

	// Delete removes a terminal task.
	Delete(ctx context.Context, taskID string) error

	Close() error
}
