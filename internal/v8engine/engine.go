//go:build v8

// Package v8engine runs JavaScript tasks on V8 through tommie/v8go, one
// isolate per task.
package v8engine

import (
	"context"
	"fmt"
	"sync"

	v8 "github.com/tommie/v8go"
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/jsapi"
)

// Language is the --lang value served by this engine.
const Language = "js"

// Engine is the V8 implementation of engine.Engine.
type Engine struct {
	cfg    core.EngineConfig
	logger *zap.Logger
	libs   *jsapi.Libraries
}

var _ engine.Engine = (*Engine)(nil)

// New creates a V8 engine.
func New(cfg core.EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "v8")),
		libs:   jsapi.NewLibraries(),
	}
}

func (e *Engine) Language() string  { return Language }
func (e *Engine) SourceExt() string { return ".js" }

// Libraries returns the names of the preloaded libraries.
func (e *Engine) Libraries() []string { return e.libs.Names() }

// Preload bundles a CommonJS library for later require calls.
func (e *Engine) Preload(name, source, path string, gate engine.Gate) error {
	return e.libs.Preload(name, source, path, gate)
}

// Warm initializes esbuild and V8's platform once.
func (e *Engine) Warm() error {
	if err := jsapi.WarmBundler(); err != nil {
		return fmt.Errorf("warming esbuild: %w", err)
	}
	iso := e.newIsolate()
	iso.Dispose()
	return nil
}

func (e *Engine) newIsolate() *v8.Isolate {
	if e.cfg.MemoryLimitMB > 0 {
		heap := uint64(e.cfg.MemoryLimitMB) * 1024 * 1024
		return v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	}
	return v8.NewIsolate()
}

// Execute runs the task in a new isolate that is disposed before
// returning.
func (e *Engine) Execute(ctx context.Context, inv *engine.Invocation) (any, error) {
	e.libs.Seal()
	iso := e.newIsolate()
	vctx := v8.NewContext(iso)

	var mu sync.Mutex
	disposed := false
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !disposed {
			iso.TerminateExecution()
		}
	})
	defer func() {
		stop()
		mu.Lock()
		disposed = true
		vctx.Close()
		iso.Dispose()
		mu.Unlock()
	}()

	return jsapi.Run(ctx, &v8Runtime{iso: iso, ctx: vctx}, inv, jsapi.Options{
		Transform: e.cfg.TransformJS,
		Libraries: e.libs,
	})
}
