// Package server is the worker loop: it reads records from the protocol
// channel, runs each task under the governor and writes exactly one
// Result per task, in input order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/governor"
	"github.com/cryguy/sandbox/internal/metrics"
	"github.com/cryguy/sandbox/internal/policy"
	"github.com/cryguy/sandbox/internal/preload"
	"github.com/cryguy/sandbox/internal/protocol"
)

// Modes reported in the ready acknowledgement.
const (
	ModeRestricted = "restricted"
	ModeWarmup     = "warmup"
)

// Config controls the worker loop.
type Config struct {
	// Warmup skips the init record and runs with an unrestricted policy.
	Warmup bool
	// ReadyAck writes {"type":"ready"} once startup is complete.
	ReadyAck bool
	// MaxRecordBytes bounds one input line. Zero selects
	// protocol.MaxRecordBytes.
	MaxRecordBytes int
	Capabilities   capability.Config
	Preload        preload.Config
}

// Server runs tasks from one input stream on one engine.
type Server struct {
	eng     engine.Engine
	cfg     Config
	gov     *governor.Governor
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGovernor replaces the default governor.
func WithGovernor(g *governor.Governor) Option {
	return func(s *Server) {
		if g != nil {
			s.gov = g
		}
	}
}

// WithMetrics records task metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server for eng.
func New(eng engine.Engine, cfg Config, opts ...Option) *Server {
	s := &Server{
		eng:    eng,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.gov == nil {
		s.gov = governor.New(governor.WithLogger(s.logger))
	}
	s.logger = s.logger.With(zap.String("component", "server"))
	return s
}

// Serve runs the loop until in is exhausted, which returns nil. It returns
// an error wrapping core.ErrFatalStartup when the init record is bad,
// core.ErrWorkerWedged after a task that could not be stopped, any output
// write error, and ctx's error when ctx is done between records.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	r := protocol.NewReader(in, s.cfg.MaxRecordBytes)
	w := protocol.NewWriter(out)

	gate, ready, err := s.startup(r)
	if err != nil {
		return err
	}

	loaded := preload.New(s.eng, s.cfg.Preload, s.logger).Run(gate, s.cfg.Warmup)
	s.metrics.SetPreloaded(len(loaded))

	if s.cfg.ReadyAck {
		if err := w.Write(ready); err != nil {
			return fmt.Errorf("writing ready record: %w", err)
		}
	}
	s.logger.Info("worker ready",
		zap.String("mode", ready.Mode),
		zap.String("language", ready.Language),
		zap.Strings("allowed_modules", ready.AllowedModules))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.Next()
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Info("input closed")
			return nil
		case errors.Is(err, protocol.ErrRecordTooLarge):
			s.metrics.RecordTask(metrics.OutcomeProtocol, 0)
			if err := w.WriteResult(protocol.InvalidInput(err)); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			continue
		case err != nil:
			return fmt.Errorf("reading input: %w", err)
		}

		task, err := protocol.DecodeTask(line)
		if err != nil {
			s.logger.Debug("invalid record", zap.Error(err))
			s.metrics.RecordTask(metrics.OutcomeProtocol, 0)
			if err := w.WriteResult(protocol.InvalidInput(err)); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			continue
		}

		switch task.Type {
		case core.TypePing:
			s.metrics.RecordPing()
			if err := w.WritePong(); err != nil {
				return fmt.Errorf("writing pong: %w", err)
			}
			continue
		case core.TypeInit:
			s.logger.Warn("rejecting repeated init record")
			s.metrics.RecordTask(metrics.OutcomeProtocol, 0)
			res := protocol.InvalidInput(fmt.Errorf("%w: unexpected init record", core.ErrProtocol))
			if err := w.WriteResult(res); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			continue
		}

		res, wedged := s.runTask(ctx, gate, task)
		if err := w.WriteResult(res); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
		if wedged {
			s.metrics.RecordWedged()
			return core.ErrWorkerWedged
		}
	}
}

// startup establishes the policy for the process lifetime.
func (s *Server) startup(r *protocol.Reader) (*policy.Policy, core.Ready, error) {
	ready := core.Ready{Type: "ready", Language: s.eng.Language()}
	if s.cfg.Warmup {
		ready.Mode = ModeWarmup
		return policy.Unrestricted(), ready, nil
	}
	rec, err := r.ReadInit()
	if err != nil {
		return nil, ready, err
	}
	p := policy.New(rec.AllowedModules)
	ready.Mode = ModeRestricted
	ready.AllowedModules = p.Allowed()
	return p, ready, nil
}

// runTask executes one task and builds its Result. It reports whether the
// task ignored its interrupt.
func (s *Server) runTask(ctx context.Context, gate engine.Gate, task *core.Task) (core.Result, bool) {
	task.ID = uuid.NewString()
	logger := s.logger.With(zap.String("task_id", task.ID))
	state := core.NewTaskState(task)
	defer state.Close()

	timeout := task.Timeout(s.gov.DefaultTimeout())
	outcome := s.gov.Run(ctx, timeout, func(tctx context.Context) (any, error) {
		inv := &engine.Invocation{
			Task:   task,
			State:  state,
			Gate:   gate,
			Caps:   capability.NewSession(tctx, s.cfg.Capabilities, state, logger),
			Logger: logger,
		}
		return s.eng.Execute(tctx, inv)
	})

	for _, m := range state.Denied() {
		s.metrics.RecordPolicyDenial(policy.Normalize(m))
	}

	var res core.Result
	label := metrics.OutcomeSuccess
	if outcome.Err != nil {
		res = core.Failure(outcome.Err)
		label = outcomeLabel(outcome.Err)
	} else {
		res = core.Result{Success: true, Data: outcome.Value}
	}
	res.Log = state.LogText()
	s.metrics.RecordTask(label, outcome.Elapsed)

	logger.Debug("task finished",
		zap.String("outcome", label),
		zap.Duration("elapsed", outcome.Elapsed),
		zap.Duration("timeout", timeout),
		zap.Bool("wedged", outcome.Wedged))
	return res, outcome.Wedged
}

func outcomeLabel(err error) string {
	switch core.Classify(err) {
	case core.KindTimeout:
		return metrics.OutcomeTimeout
	case core.KindPolicy:
		return metrics.OutcomePolicy
	case core.KindProtocol:
		return metrics.OutcomeProtocol
	default:
		return metrics.OutcomeError
	}
}
