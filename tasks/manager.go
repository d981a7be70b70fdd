package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/memoryd/state"
)

const (
	taskPrefix        = "tasks.task."
	idempotencyPrefix = "tasks.idem."
)

// Manager implements TaskManager on a state store.
type Manager struct {
	store     state.Store
	mu        sync.RWMutex
	closed    atomic.Bool
	idGen     func() string
	retention time.Duration
}

var _ TaskManager = (*Manager)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.idGen = gen }
}

// WithRetention expires terminal tasks after d. Zero keeps them.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retention = d }
}

// NewManager creates a task manager backed by store.
func NewManager(store state.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		idGen: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Submit(ctx context.Context, task Task) (string, bool, error) {
	if m.closed.Load() {
		return "", false, ErrStoreClosed
	}
	if task.Kind == "" || task.Payload == nil {
		return "", false, ErrInvalidTask
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if task.IdempotencyKey != "" {
		if existing, err := m.store.Get(idempotencyPrefix + task.IdempotencyKey); err == nil && len(existing) > 0 {
			return string(existing), false, nil
		}
	}

	if task.ID == "" {
		task.ID = m.idGen()
	}
	task.Status = StatusPending
	task.Attempts = 0
	task.CreatedAt = time.Now().UTC()
	task.ClaimedAt = nil
	task.ClaimedBy = ""
	task.CompletedAt = nil
	task.Result = nil
	task.Error = ""

	if err := m.saveTask(&task); err != nil {
		return "", false, err
	}
	if task.IdempotencyKey != "" {
		if err := m.store.Put(idempotencyPrefix+task.IdempotencyKey, []byte(task.ID), m.retention); err != nil {
			_ = m.store.Delete(taskPrefix + task.ID)
			return "", false, err
		}
	}
	return task.ID, true, nil
}

func (m *Manager) Claim(ctx context.Context, taskID, workerID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	if workerID == "" {
		return ErrInvalidWorkerID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case StatusClaimed:
		if task.ClaimedBy == workerID {
			return nil
		}
		return ErrTaskAlreadyClaimed
	case StatusCompleted:
		return ErrTaskCompleted
	case StatusFailed:
		return ErrTaskFailed
	}

	now := time.Now().UTC()
	task.Status = StatusClaimed
	task.ClaimedAt = &now
	task.ClaimedBy = workerID
	task.Attempts++
	return m.saveTask(task)
}

func (m *Manager) Complete(ctx context.Context, taskID string, result []byte) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case StatusPending:
		return ErrTaskNotClaimed
	case StatusCompleted:
		return nil
	case StatusFailed:
		return ErrTaskFailed
	}

	now := time.Now().UTC()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.Error = ""
	if result != nil {
		task.Result = append(json.RawMessage(nil), result...)
	}
	return m.saveTask(task)
}

func (m *Manager) Fail(ctx context.Context, taskID string, taskErr error) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case StatusPending:
		return ErrTaskNotClaimed
	case StatusCompleted:
		return ErrTaskCompleted
	case StatusFailed:
		return nil
	}

	if taskErr != nil {
		task.Error = taskErr.Error()
	}
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	if task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
		now := time.Now().UTC()
		task.Status = StatusFailed
		task.CompletedAt = &now
	} else {
		task.Status = StatusPending
	}
	return m.saveTask(task)
}

func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.loadTask(taskID)
}

func (m *Manager) GetByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if key == "" {
		return nil, ErrTaskNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, err := m.store.Get(idempotencyPrefix + key)
	if err != nil || len(id) == 0 {
		return nil, ErrTaskNotFound
	}
	return m.loadTask(string(id))
}

func (m *Manager) List(ctx context.Context, status TaskStatus) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, err := m.store.Keys(taskPrefix + "*")
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, key := range keys {
		task, err := m.loadTask(strings.TrimPrefix(key, taskPrefix))
		if err != nil {
			continue
		}
		if status == "" || task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *Manager) Delete(ctx context.Context, taskID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return ErrTaskActive
	}
	return m.remove(task)
}

// discard drops a task regardless of status. Used when a submitted task
// could not be enqueued.
func (m *Manager) discard(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, err := m.loadTask(taskID); err == nil {
		_ = m.remove(task)
	}
}

func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Manager) remove(task *Task) error {
	if task.IdempotencyKey != "" {
		_ = m.store.Delete(idempotencyPrefix + task.IdempotencyKey)
	}
	return m.store.Delete(taskPrefix + task.ID)
}

func (m *Manager) loadTask(taskID string) (*Task, error) {
	if taskID == "" {
		return nil, ErrTaskNotFound
	}
	data, err := m.store.Get(taskPrefix + taskID)
	if err != nil {
		if err == state.ErrNotFound || err == state.ErrInvalidKey {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (m *Manager) saveTask(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if task.Status.IsTerminal() {
		ttl = m.retention
	}
	return m.store.Put(taskPrefix+task.ID, data, ttl)
}
