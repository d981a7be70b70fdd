// Package tasks runs memoryd's background jobs and records their status.
//
// Manager persists task records in a state.Store so status survives the
// request that scheduled the work and, with the NATS backend, is visible
// to every replica. Queue is a bounded in-process queue drained by a fixed
// worker pool; it rejects work when full instead of growing.
//
//	store := state.NewMemoryStore()
//	mgr := tasks.NewManager(store)
//	q := tasks.NewQueue(mgr, tasks.QueueConfig{Size: 64, Workers: 4}, logger)
//	q.Start()
//	defer q.Shutdown(ctx)
//
//	id, err := q.Submit(ctx, tasks.Spec{Kind: "summarize_and_store", Payload: req},
//	    func(ctx context.Context) (any, error) {
//	        return svc.storeSummary(ctx, req)
//	    })
//	if errors.Is(err, errors.ErrCodeCapacity) { ... } // HTTP 503
//
// A task moves pending → claimed → completed or failed. Failed attempts go
// back to pending while MaxAttempts allows.
package tasks
