// Package governor bounds the wall-clock time of a task.
//
// Run executes a task function on its own goroutine with a context that is
// cancelled at the deadline. Engines hook their interrupt primitive to that
// context. If the task has not returned within the grace window after the
// interrupt, the worker is reported as wedged and must exit.
package governor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
)

const (
	DefaultTimeout = core.DefaultTimeoutMs * time.Millisecond
	DefaultGrace   = 2 * time.Second
)

// errDeadline is the context cause set when the task deadline passes.
var errDeadline = errors.New("task deadline exceeded")

// Governor runs task functions under a deadline.
type Governor struct {
	defaultTimeout time.Duration
	grace          time.Duration
	logger         *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithDefaultTimeout sets the limit used when a task carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

// WithGrace sets how long to wait for an interrupted task to return.
func WithGrace(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns a Governor.
func New(opts ...Option) *Governor {
	g := &Governor{
		defaultTimeout: DefaultTimeout,
		grace:          DefaultGrace,
		logger:         zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// DefaultTimeout returns the limit used when a task carries none.
func (g *Governor) DefaultTimeout() time.Duration { return g.defaultTimeout }

// Func is a task body. It must return promptly once ctx is done.
type Func func(ctx context.Context) (any, error)

// Outcome is the result of Run.
type Outcome struct {
	Value   any
	Err     error
	Elapsed time.Duration
	// Wedged is set when the task did not return within the grace window.
	// Err is then a timeout and the task goroutine is still running.
	Wedged bool
}

// TimedOut reports whether the outcome is a timeout.
func (o Outcome) TimedOut() bool { return errors.Is(o.Err, core.ErrTimeout) }

type result struct {
	value any
	err   error
}

// Run executes fn with a deadline of timeout (or the default when timeout
// is not positive). Panics in fn are recovered and reported as execution
// errors.
func (g *Governor) Run(parent context.Context, timeout time.Duration, fn Func) Outcome {
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeoutCause(parent, timeout, errDeadline)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("task panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- result{err: core.Errorf(core.KindExecution, "internal error: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return Outcome{Err: g.expired(ctx, timeout), Elapsed: time.Since(start)}
		}
		return Outcome{Value: r.value, Err: r.err, Elapsed: time.Since(start)}
	case <-ctx.Done():
	}

	grace := time.NewTimer(g.grace)
	defer grace.Stop()
	select {
	case r := <-done:
		if r.err == nil {
			// Finished in the same instant the deadline fired.
			return Outcome{Value: r.value, Elapsed: time.Since(start)}
		}
		return Outcome{Err: g.expired(ctx, timeout), Elapsed: time.Since(start)}
	case <-grace.C:
		g.logger.Warn("task ignored interrupt",
			zap.Duration("timeout", timeout),
			zap.Duration("grace", g.grace))
		return Outcome{Err: g.expired(ctx, timeout), Elapsed: time.Since(start), Wedged: true}
	}
}

func (g *Governor) expired(ctx context.Context, timeout time.Duration) error {
	if errors.Is(context.Cause(ctx), errDeadline) {
		return core.Errorf(core.KindTimeout, "Script execution timed out after %dms", timeout.Milliseconds())
	}
	return core.NewTaskError(core.KindExecution, fmt.Sprintf("Script execution cancelled: %v", context.Cause(ctx)), context.Cause(ctx))
}
