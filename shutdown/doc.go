// Package shutdown releases memoryd's backend handles in a fixed order.
//
// Handles are registered in phases; lower phases run first and handlers in
// the same phase run concurrently. memoryd uses four phases:
//
//	PhaseIntake    stop the HTTP server and the stdio tool loop
//	PhaseDrain     drain the task queue, stop the consolidator
//	PhaseBackends  close vector store, state store, NATS connection
//	PhaseTelemetry flush and stop the tracer provider
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	ctx := coord.HandleSignals(context.Background())
//	coord.RegisterFuncWithPhase("http", srv.Shutdown, shutdown.PhaseIntake)
//	coord.RegisterCloser("qdrant", store, shutdown.PhaseBackends)
//	<-coord.Done()
package shutdown
