package sandbox

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/governor"
	"github.com/cryguy/sandbox/internal/metrics"
	"github.com/cryguy/sandbox/internal/server"
	"github.com/cryguy/sandbox/internal/starlark"
)

// Worker is a configured task worker for one language.
type Worker struct {
	cfg     Config
	eng     engine.Engine
	srv     *server.Server
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Output must not go to the protocol stream.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records task metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker validates cfg and builds the engine and loop it describes.
func NewWorker(cfg Config, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{cfg: cfg, logger: zap.NewNop()}
	for _, o := range opts {
		o(w)
	}

	switch cfg.Language {
	case LanguageStarlark:
		w.eng = starlark.New(cfg.engineConfig(), w.logger)
	case LanguageJavaScript:
		w.eng = newJSEngine(cfg.engineConfig(), w.logger)
	default:
		return nil, fmt.Errorf("unknown language %q", cfg.Language)
	}

	gov := governor.New(
		governor.WithDefaultTimeout(cfg.Timeout.Default),
		governor.WithGrace(cfg.Timeout.Grace),
		governor.WithLogger(w.logger.With(zap.String("component", "governor"))),
	)
	w.srv = server.New(w.eng, server.Config{
		Warmup:         cfg.Warmup,
		ReadyAck:       cfg.ReadyAck,
		MaxRecordBytes: cfg.MaxRecordBytes,
		Capabilities:   cfg.Capabilities,
		Preload:        cfg.Preload,
	}, server.WithGovernor(gov), server.WithMetrics(w.metrics), server.WithLogger(w.logger))
	return w, nil
}

// Language returns the language the worker runs.
func (w *Worker) Language() string { return w.eng.Language() }

// Serve runs the worker loop over in and out. See server.Server.Serve for
// the returned errors.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return w.srv.Serve(ctx, in, out)
}
