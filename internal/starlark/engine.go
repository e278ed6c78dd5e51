// Package starlark runs task code written in Starlark, the Python dialect
// embedded by go.starlark.net. Each task gets a fresh thread and a fresh
// global namespace; preloaded libraries are frozen and shared read-only.
package starlark

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/policy"
)

// Language is the --lang value of this engine.
const Language = "starlark"

// fileOptions enables the Python-like statements task code is written
// with. Recursion stays off: the interpreter recurses on the Go stack and
// unbounded recursion would abort the process.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Engine is the Starlark engine.
type Engine struct {
	cfg    core.EngineConfig
	logger *zap.Logger

	mu     sync.RWMutex
	libs   map[string]*starlarkstruct.Module
	sealed atomic.Bool
}

var _ engine.Engine = (*Engine)(nil)

// New returns a Starlark engine.
func New(cfg core.EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "starlark")),
		libs:   make(map[string]*starlarkstruct.Module),
	}
}

func (e *Engine) Language() string  { return Language }
func (e *Engine) SourceExt() string { return ".star" }

// Warm compiles and runs a trivial program so the interpreter's lazily
// built tables exist before the first task.
func (e *Engine) Warm() error {
	thread := &starlark.Thread{Name: "warm"}
	_, err := starlark.ExecFileOptions(fileOptions, thread, "<warm>",
		"def main(v):\n    return [x * 2 for x in range(4)]\nmain(None)\n", nil)
	return err
}

// Preload executes a library and registers its frozen globals as a module
// named name. A library may import pure modules and libraries preloaded
// before it; capability modules are bound per task and cannot be captured.
func (e *Engine) Preload(name, source, path string, gate engine.Gate) error {
	if e.sealed.Load() {
		return errors.New("preload after first task")
	}
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid library name %q", name)
	}
	src, err := RewriteImports(source)
	if err != nil {
		return err
	}
	load := func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
		if err := gate.Check(module); err != nil {
			return nil, err
		}
		top := policy.Normalize(module)
		if m, ok := pureModules[top]; ok {
			return moduleDict(m), nil
		}
		e.mu.RLock()
		m, ok := e.libs[top]
		e.mu.RUnlock()
		if ok {
			return moduleDict(m), nil
		}
		return nil, fmt.Errorf("module %q cannot be imported by a preloaded library", top)
	}
	thread := &starlark.Thread{
		Name:  "preload:" + name,
		Print: func(_ *starlark.Thread, msg string) { e.logger.Debug("preload output", zap.String("library", name), zap.String("msg", msg)) },
		Load:  load,
	}
	if e.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.cfg.MaxSteps)
	}
	predeclared := pureMembers()
	predeclared[importFunc] = importBuiltin(load)
	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, src, predeclared)
	if err != nil {
		return err
	}
	globals.Freeze()
	e.mu.Lock()
	e.libs[name] = &starlarkstruct.Module{Name: name, Members: globals}
	e.mu.Unlock()
	return nil
}

// Libraries returns the names of preloaded libraries.
func (e *Engine) Libraries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.libs)
}

func pureMembers() starlark.StringDict {
	d := make(starlark.StringDict, len(pureModules))
	for name, m := range pureModules {
		d[name] = m
	}
	return d
}

// Execute runs the task in a fresh thread and namespace.
func (e *Engine) Execute(ctx context.Context, inv *engine.Invocation) (any, error) {
	e.sealed.Store(true)
	logger := e.logger
	if inv.Logger != nil {
		logger = inv.Logger.With(zap.String("component", "starlark"))
	}

	src, err := RewriteImports(inv.Task.Code)
	if err != nil {
		return nil, core.NewTaskError(core.KindExecution, "", err)
	}
	vars, err := toStarlark(inv.Task.Variables)
	if err != nil {
		return nil, core.NewTaskError(core.KindExecution, "invalid variables: "+err.Error(), err)
	}
	varsDict, ok := vars.(*starlark.Dict)
	if !ok {
		varsDict = starlark.NewDict(0)
	}

	thread := &starlark.Thread{
		Name:  "task",
		Print: func(_ *starlark.Thread, msg string) { inv.State.AddLog("log", msg) },
		Load:  e.loader(inv),
	}
	if e.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.cfg.MaxSteps)
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	globals, err := starlark.ExecFileOptions(fileOptions, thread, "<task>", src, e.predeclared(inv, varsDict))
	if err != nil {
		return nil, e.fault(ctx, logger, inv, err)
	}
	mainFn, ok := globals["main"]
	if !ok {
		return nil, core.NewTaskError(core.KindExecution, core.NoMainMessage, core.ErrNoMain)
	}
	args, err := callArgs(mainFn, varsDict)
	if err != nil {
		return nil, core.NewTaskError(core.KindExecution, "", err)
	}
	ret, err := starlark.Call(thread, mainFn, args, nil)
	if err != nil {
		return nil, e.fault(ctx, logger, inv, err)
	}
	out, err := fromStarlark(ret)
	if err != nil {
		return nil, core.NewTaskError(core.KindExecution, "Result is not JSON serializable: "+err.Error(), err)
	}
	return out, nil
}

// predeclared is the task namespace: variables, each identifier-shaped
// variable key, the pure core modules and the helper functions.
func (e *Engine) predeclared(inv *engine.Invocation, vars *starlark.Dict) starlark.StringDict {
	d := pureMembers()
	for name, fn := range helperMembers(inv) {
		d[name] = fn
	}
	for _, item := range vars.Items() {
		k, ok := item[0].(starlark.String)
		if ok && identRe.MatchString(string(k)) {
			d[string(k)] = item[1]
		}
	}
	d["variables"] = vars
	d[importFunc] = importBuiltin(e.loader(inv))
	return d
}

// importBuiltin backs import statements nested in a block. With only a
// module name it returns the top-level module; with member names it
// returns those members as a tuple.
func importBuiltin(load func(*starlark.Thread, string) (starlark.StringDict, error)) *starlark.Builtin {
	return starlark.NewBuiltin(importFunc, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: missing module name", b.Name())
		}
		names := make([]string, len(args))
		for i, a := range args {
			s, ok := starlark.AsString(a)
			if !ok {
				return nil, fmt.Errorf("%s: argument %d is not a string", b.Name(), i+1)
			}
			names[i] = s
		}
		members, err := load(thread, names[0])
		if err != nil {
			return nil, err
		}
		top := policy.Normalize(names[0])
		if len(names) == 1 {
			m, ok := members[top]
			if !ok {
				return nil, fmt.Errorf("No module named '%s'", top)
			}
			return m, nil
		}
		out := make(starlark.Tuple, 0, len(names)-1)
		for _, n := range names[1:] {
			v, ok := members[n]
			if !ok {
				return nil, fmt.Errorf("cannot import name '%s' from '%s'", n, top)
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// loader is the single choke point for imports made by task code.
func (e *Engine) loader(inv *engine.Invocation) func(*starlark.Thread, string) (starlark.StringDict, error) {
	return func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
		if err := inv.Load(module); err != nil {
			return nil, err
		}
		top := policy.Normalize(module)
		if m, ok := pureModules[top]; ok {
			return moduleDict(m), nil
		}
		if m := capabilityModule(top, inv); m != nil {
			return moduleDict(m), nil
		}
		e.mu.RLock()
		lib, ok := e.libs[top]
		e.mu.RUnlock()
		if ok {
			return moduleDict(lib), nil
		}
		return nil, fmt.Errorf("No module named '%s'", top)
	}
}

// callArgs applies the main calling convention: no parameters gets no
// arguments, one parameter gets the variables mapping, and more than one
// binds parameters by name from variables until the first defaulted one.
func callArgs(fn starlark.Value, vars *starlark.Dict) (starlark.Tuple, error) {
	f, ok := fn.(*starlark.Function)
	if !ok {
		return starlark.Tuple{vars}, nil
	}
	n := f.NumParams()
	if f.HasVarargs() {
		n--
	}
	if f.HasKwargs() {
		n--
	}
	n -= f.NumKwonlyParams()
	switch {
	case n <= 0:
		return nil, nil
	case n == 1:
		return starlark.Tuple{vars}, nil
	}
	args := make(starlark.Tuple, 0, n)
	for i := 0; i < n; i++ {
		name, _ := f.Param(i)
		v, found, err := vars.Get(starlark.String(name))
		if err != nil {
			return nil, err
		}
		if found {
			args = append(args, v)
			continue
		}
		if f.ParamDefault(i) != nil {
			break
		}
		return nil, fmt.Errorf("Missing required argument: '%s'", name)
	}
	return args, nil
}

// fault converts an interpreter error to a task error. A fault raised after
// the policy rejected a module is reported as a policy violation.
func (e *Engine) fault(ctx context.Context, logger *zap.Logger, inv *engine.Invocation, err error) error {
	if ctx.Err() != nil {
		return core.NewTaskError(core.KindTimeout, "", context.Cause(ctx))
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		logger.Debug("task raised", zap.String("backtrace", evalErr.Backtrace()))
	}
	kind := core.KindExecution
	if errors.Is(err, core.ErrPolicyViolation) || len(inv.State.Denied()) > 0 {
		kind = core.KindPolicy
	}
	return core.NewTaskError(kind, err.Error(), err)
}
