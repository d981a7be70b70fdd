package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/logging"
)

// Job is the work behind a task. Its result is stored as JSON.
type Job func(ctx context.Context) (any, error)

// Spec describes a task to submit.
type Spec struct {
	Kind           string
	IdempotencyKey string
	Payload        any
}

// QueueConfig sizes the queue and its worker pool.
type QueueConfig struct {
	Size        int           // buffered jobs; default 64
	Workers     int           // default 4
	MaxAttempts int           // per task; default 1
	JobTimeout  time.Duration // 0: none
}

func (c *QueueConfig) applyDefaults() {
	if c.Size <= 0 {
		c.Size = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
}

type queued struct {
	id  string
	job Job
}

// Queue is a bounded job queue with a fixed worker pool. Jobs run on the
// queue's own context, never on the submitter's.
type Queue struct {
	mgr    *Manager
	cfg    QueueConfig
	log    *logging.Logger
	jobs   chan queued
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewQueue creates a queue. Call Start to run workers.
func NewQueue(mgr *Manager, cfg QueueConfig, logger *logging.Logger) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		mgr:    mgr,
		cfg:    cfg,
		log:    logger.WithComponent("tasks"),
		jobs:   make(chan queued, cfg.Size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling it twice has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(fmt.Sprintf("worker-%d", i))
	}
}

// Submit records a task and enqueues job. A full queue is a Capacity
// error and leaves no task behind. A repeated idempotency key returns the
// first task's ID without running job again.
func (q *Queue) Submit(ctx context.Context, spec Spec, job Job) (string, error) {
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return "", errors.InvalidInput("task payload not serializable", errors.WithCause(err))
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", errors.New(errors.ErrCodeUnavailable, "task queue shut down")
	}

	id, created, err := q.mgr.Submit(ctx, Task{
		Kind:           spec.Kind,
		IdempotencyKey: spec.IdempotencyKey,
		Payload:        payload,
		MaxAttempts:    q.cfg.MaxAttempts,
	})
	if err != nil {
		return "", errors.Wrap(err, "record task")
	}
	if !created {
		return id, nil
	}

	select {
	case q.jobs <- queued{id: id, job: job}:
		q.log.JobQueued(id, len(q.jobs))
		return id, nil
	default:
		q.mgr.discard(id)
		return "", errors.Capacity(fmt.Sprintf("task queue full (%d pending)", q.cfg.Size))
	}
}

// Pending returns the number of jobs waiting for a worker.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When
// ctx expires first, running jobs are canceled and ctx.Err is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker(name string) {
	defer q.wg.Done()
	for item := range q.jobs {
		q.run(name, item)
	}
}

func (q *Queue) run(worker string, item queued) {
	for {
		if err := q.mgr.Claim(q.ctx, item.id, worker); err != nil {
			q.log.Error("claim_failed", logging.Fields{"task": item.id, "error": err})
			return
		}

		start := time.Now()
		result, err := q.invoke(item.job)
		q.log.JobDone(item.id, time.Since(start), err)

		if err == nil {
			data, merr := json.Marshal(result)
			if merr != nil {
				data = nil
			}
			if cerr := q.mgr.Complete(q.ctx, item.id, data); cerr != nil {
				q.log.Error("complete_failed", logging.Fields{"task": item.id, "error": cerr})
			}
			return
		}

		if ferr := q.mgr.Fail(q.ctx, item.id, err); ferr != nil {
			q.log.Error("fail_failed", logging.Fields{"task": item.id, "error": ferr})
			return
		}
		task, gerr := q.mgr.Get(q.ctx, item.id)
		if gerr != nil || task.Status != StatusPending || q.ctx.Err() != nil {
			return
		}
		// Attempts remain; retry on this worker.
	}
}

func (q *Queue) invoke(job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	ctx := q.ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}
	return job(ctx)
}
