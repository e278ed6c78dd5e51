package jsapi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/eventloop"
)

// drainStep bounds one event loop pass between promise state checks.
const drainStep = 10 * time.Millisecond

// errNeverSettled is returned when a promise is pending but nothing is
// left that could settle it.
var errNeverSettled = errors.New("main returned a promise that never settled")

// AwaitValue waits for the value in globalThis[globalVar] to settle if it
// is a Promise, pumping microtasks and the event loop. On success the
// settled value replaces the promise in globalVar.
func AwaitValue(ctx context.Context, rt core.JSRuntime, globalVar string, el *eventloop.EventLoop) error {
	isPromise, err := rt.EvalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil || !isPromise {
		return nil
	}

	setupJS := fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)
	if err := rt.Eval(setupJS); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		rt.RunMicrotasks()

		state, err := rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state != "undefined" {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if el == nil || !el.HasPending() {
			return errNeverSettled
		}

		stepCtx, cancel := context.WithTimeout(ctx, drainStep)
		err = el.Drain(stepCtx, rt)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		rt.RunMicrotasks()
		runtime.Gosched()
	}

	state, _ := rt.EvalString("String(globalThis.__awaited_state)")
	if state == "rejected" {
		msg, _ := rt.EvalString(`(function(e) {
			return e && e.message !== undefined ? String(e.message) : String(e);
		})(globalThis.__awaited_result)`)
		_ = rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return fmt.Errorf("%s", msg)
	}

	_ = rt.Eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))
	return nil
}
