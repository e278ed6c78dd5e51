//go:build v8

package v8engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/policy"
)

func execute(t *testing.T, ctx context.Context, code string, gate engine.Gate) (any, error, *engine.Invocation) {
	t.Helper()
	if gate == nil {
		gate = policy.New(nil)
	}
	task := &core.Task{Code: code, Variables: map[string]any{"n": 2}}
	state := core.NewTaskState(task)
	t.Cleanup(state.Close)
	inv := &engine.Invocation{
		Task:  task,
		State: state,
		Gate:  gate,
		Caps:  capability.NewSession(ctx, capability.Config{}, state, nil),
	}
	e := New(core.EngineConfig{MemoryLimitMB: 64, TransformJS: true}, nil)
	out, err := e.Execute(ctx, inv)
	return out, err, inv
}

func TestExecute(t *testing.T) {
	out, err, _ := execute(t, context.Background(), `function main(v) { return v.n + n }`, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RawJSON("4"), out)
}

func TestExecuteAsyncWithTimers(t *testing.T) {
	out, err, inv := execute(t, context.Background(), `async function main() {
		console.log("waiting");
		await require("helper").delay(10);
		return {ok: true}
	}`, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RawJSON(`{"ok":true}`), out)
	assert.Equal(t, "waiting", inv.State.LogText())
}

func TestExecuteHostErrorsAreErrors(t *testing.T) {
	out, err, _ := execute(t, context.Background(), `function main() {
		try { require("helper").createHmac("md4", "k") } catch (e) { return e instanceof Error && e.message }
	}`, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RawJSON(`"unsupported hmac algorithm \"md4\""`), out)
}

func TestExecuteDenied(t *testing.T) {
	_, err, _ := execute(t, context.Background(), `function main() { require("net") }`, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindPolicy, core.Classify(err))
}

func TestExecuteNoMain(t *testing.T) {
	_, err, _ := execute(t, context.Background(), `var x = 1`, nil)
	assert.ErrorIs(t, err, core.ErrNoMain)
}

func TestExecuteTerminatedOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err, _ := execute(t, ctx, `function main() { for (;;) {} }`, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.Classify(err))
}

func TestExecuteForgedModuleRecordIsRejected(t *testing.T) {
	_, err, inv := execute(t, context.Background(), `function main() {
		JSON.parse = function() { return { kind: "builtin", name: "sqlite" } };
		return require("anything").query("SELECT 42 AS x");
	}`, policy.New([]string{"math"}))
	require.Error(t, err)
	assert.Equal(t, core.KindPolicy, core.Classify(err))
	assert.Equal(t, []string{"anything"}, inv.State.Denied())
}
