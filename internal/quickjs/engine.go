//go:build !v8

// Package quickjs runs JavaScript tasks on modernc.org/quickjs, one VM per
// task.
package quickjs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"modernc.org/quickjs"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/jsapi"
)

// Language is the --lang value served by this engine.
const Language = "js"

// Engine is the QuickJS implementation of engine.Engine.
type Engine struct {
	cfg    core.EngineConfig
	logger *zap.Logger
	libs   *jsapi.Libraries
}

var _ engine.Engine = (*Engine)(nil)

// New creates a QuickJS engine.
func New(cfg core.EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "quickjs")),
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

// Warm initializes esbuild and the QuickJS runtime once.
func (e *Engine) Warm() error {
	if err := jsapi.WarmBundler(); err != nil {
		return fmt.Errorf("warming esbuild: %w", err)
	}
	vm, err := e.newVM()
	if err != nil {
		return err
	}
	vm.Close()
	return nil
}

func (e *Engine) newVM() (*quickjs.VM, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if e.cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(e.cfg.MemoryLimitMB) * 1024 * 1024)
	}
	return vm, nil
}

// Execute runs the task in a new VM that is closed before returning.
func (e *Engine) Execute(ctx context.Context, inv *engine.Invocation) (result any, err error) {
	e.libs.Seal()
	vm, err := e.newVM()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	closed := false
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			vm.Interrupt()
		}
	})
	defer func() {
		stop()
		mu.Lock()
		closed = true
		vm.Close()
		mu.Unlock()
	}()

	// An interrupted VM can panic out of the C call it was in.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if ctx.Err() != nil {
				err = core.NewTaskError(core.KindTimeout, "", context.Cause(ctx))
				return
			}
			e.logger.Error("quickjs panicked", zap.Any("panic", r))
			err = core.Errorf(core.KindExecution, "internal error: %v", r)
		}
	}()

	return jsapi.Run(ctx, &qjsRuntime{vm: vm}, inv, jsapi.Options{
		Transform: e.cfg.TransformJS,
		Libraries: e.libs,
	})
}
