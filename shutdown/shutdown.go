package shutdown

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New("one or more handlers failed")
)

// Phases used by memoryd. Lower runs first.
const (
	PhaseIntake    = 10
	PhaseDrain     = 20
	PhaseBackends  = 30
	PhaseTelemetry = 40
)

// Handler is implemented by components with something to release.
// ctx expires when the shutdown deadline is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// closerHandler adapts an io.Closer, ignoring the deadline.
type closerHandler struct{ c io.Closer }

func (h closerHandler) OnShutdown(context.Context) error {
	return h.c.Close()
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default 30s.
	Timeout time.Duration

	// DefaultPhase is used by Register. Default PhaseBackends.
	DefaultPhase int

	// ContinueOnError keeps running later phases after a failure.
	ContinueOnError bool

	// OnProgress is called after each handler returns.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseBackends,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
