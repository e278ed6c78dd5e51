// Package jsapi is the engine-independent half of the JavaScript sandbox:
// the prelude that builds each task's namespace, the host functions behind
// require()d modules, promise awaiting and esbuild source handling.
package jsapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/eventloop"
)

// Options control how Run prepares task source.
type Options struct {
	// Transform passes the source through esbuild before evaluation.
	Transform bool
	// Libraries are the preloaded modules require may resolve.
	Libraries *Libraries
}

// Run executes inv.Task in rt, which must be a fresh VM that nothing else
// uses. The caller is responsible for interrupting rt when ctx is done.
// The returned value is nil or core.RawJSON.
func Run(ctx context.Context, rt core.JSRuntime, inv *engine.Invocation, opts Options) (any, error) {
	src := inv.Task.Code
	if err := CheckSource(src); err != nil {
		return nil, core.NewTaskError(core.KindPolicy, err.Error(), core.ErrPolicyViolation)
	}
	if opts.Transform {
		out, err := Transform(src)
		if err != nil {
			return nil, core.NewTaskError(core.KindExecution, "", err)
		}
		src = out
	}

	el := eventloop.New()
	if err := registerHost(rt, el, inv, opts.Libraries); err != nil {
		return nil, err
	}
	if err := rt.Eval(preludeJS); err != nil {
		return nil, err
	}

	vars := inv.Task.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, core.NewTaskError(core.KindExecution, "invalid variables: "+err.Error(), err)
	}
	if err := rt.SetGlobal("__sb_src", src); err != nil {
		return nil, err
	}
	if err := rt.SetGlobal("__sb_vars", string(varsJSON)); err != nil {
		return nil, err
	}

	hasMain, err := rt.EvalBool(startJS)
	if err != nil {
		return nil, fault(ctx, inv, err)
	}
	if !hasMain {
		return nil, core.NewTaskError(core.KindExecution, core.NoMainMessage, core.ErrNoMain)
	}

	rt.RunMicrotasks()
	if err := AwaitValue(ctx, rt, "__sb_result", el); err != nil {
		return nil, fault(ctx, inv, err)
	}

	out, err := rt.EvalString(resultJS)
	if err != nil {
		return nil, core.NewTaskError(core.KindExecution, "Result is not JSON serializable: "+errText(err), err)
	}
	if out == "null" {
		return nil, nil
	}
	if !json.Valid([]byte(out)) {
		return nil, core.NewTaskError(core.KindExecution, "Result is not JSON serializable", core.ErrExecution)
	}
	return core.RawJSON(out), nil
}

// fault converts a JavaScript exception to a task error.
func fault(ctx context.Context, inv *engine.Invocation, err error) error {
	if ctx.Err() != nil {
		return core.NewTaskError(core.KindTimeout, "", context.Cause(ctx))
	}
	kind := core.KindExecution
	if errors.Is(err, core.ErrPolicyViolation) || len(inv.State.Denied()) > 0 {
		kind = core.KindPolicy
	}
	return core.NewTaskError(kind, errText(err), err)
}

// errText keeps the first line of an engine error, since QuickJS appends
// the stack trace, and drops the generic "Error: " name.
func errText(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	msg = strings.TrimPrefix(msg, "Uncaught ")
	return strings.TrimPrefix(msg, "Error: ")
}
