package jsapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/eventloop"
	"github.com/cryguy/sandbox/internal/policy"
)

func newInvocation(t *testing.T, gate engine.Gate) *engine.Invocation {
	t.Helper()
	task := &core.Task{Code: "", Variables: map[string]any{}}
	state := core.NewTaskState(task)
	t.Cleanup(state.Close)
	return &engine.Invocation{
		Task:  task,
		State: state,
		Gate:  gate,
		Caps:  capability.NewSession(context.Background(), capability.Config{}, state, nil),
	}
}

func TestResolveBuiltins(t *testing.T) {
	inv := newInvocation(t, policy.New([]string{"sqlite"}))

	assert.Equal(t, loadResult{Name: "json", Kind: "builtin"}, resolve(inv, nil, "json"))
	assert.Equal(t, loadResult{Name: "helper", Kind: "builtin"}, resolve(inv, nil, "node:helper"))
	assert.Equal(t, loadResult{Name: "sqlite", Kind: "builtin"}, resolve(inv, nil, "sqlite"))
	assert.Empty(t, inv.State.Denied())
}

func TestResolveDenied(t *testing.T) {
	inv := newInvocation(t, policy.New([]string{"fs"}))

	res := resolve(inv, nil, "fs")
	assert.Equal(t, "Module 'fs' is not allowed in sandbox", res.Error)
	res = resolve(inv, nil, "safehttp")
	assert.Equal(t, "Module 'safehttp' is not in the allowlist", res.Error)
	assert.Equal(t, []string{"fs", "safehttp"}, inv.State.Denied())
}

func TestResolveLibraries(t *testing.T) {
	libs := NewLibraries()
	require.NoError(t, libs.Add("mathx", "exports.one = 1"))
	inv := newInvocation(t, policy.New([]string{"mathx", "nothere"}))

	res := resolve(inv, libs, "mathx")
	assert.Equal(t, loadResult{Name: "mathx", Kind: "library", Source: "exports.one = 1"}, res)

	res = resolve(inv, libs, "nothere")
	assert.Equal(t, "Cannot find module 'nothere'", res.Error)
}

func TestResolveOSOnlyWhenUnrestricted(t *testing.T) {
	restricted := newInvocation(t, policy.New(nil))
	assert.Contains(t, resolve(restricted, nil, "os").Error, "not allowed")

	open := newInvocation(t, policy.Unrestricted())
	assert.Equal(t, loadResult{Name: "os", Kind: "builtin"}, resolve(open, nil, "os"))
}

func TestDecodeParams(t *testing.T) {
	params, err := decodeParams(`[1, "a", null]`)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "a", nil}, params)

	params, err = decodeParams("")
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = decodeParams(`{"a":1}`)
	assert.Error(t, err)
}

func TestLibrariesSeal(t *testing.T) {
	libs := NewLibraries()
	require.NoError(t, libs.Add("b", "1"))
	require.NoError(t, libs.Add("a", "2"))
	assert.Equal(t, []string{"a", "b"}, libs.Names())

	libs.Seal()
	assert.ErrorIs(t, libs.Add("c", "3"), ErrSealed)
	_, ok := libs.Source("c")
	assert.False(t, ok)
}

// funcRecorder keeps the functions registerHost installs so they can be
// called without a VM.
type funcRecorder struct {
	funcs map[string]any
}

func (r *funcRecorder) Eval(string) error                 { return nil }
func (r *funcRecorder) EvalString(string) (string, error) { return "", nil }
func (r *funcRecorder) EvalBool(string) (bool, error)     { return false, nil }
func (r *funcRecorder) SetGlobal(string, any) error       { return nil }
func (r *funcRecorder) RunMicrotasks()                    {}
func (r *funcRecorder) RegisterFunc(name string, fn any) error {
	r.funcs[name] = fn
	return nil
}

func TestCapabilityHostFunctionsCheckGate(t *testing.T) {
	inv := newInvocation(t, policy.New([]string{"math"}))
	inv.Task.TempDir = t.TempDir()
	rec := &funcRecorder{funcs: map[string]any{}}
	require.NoError(t, registerHost(rec, eventloop.New(), inv, nil))

	_, err := rec.funcs["__sb_sqlExec"].(func(string, string) (string, error))("CREATE TABLE t (x)", "")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	_, err = rec.funcs["__sb_sqlQuery"].(func(string, string) (string, error))("SELECT 42", "")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	_, err = rec.funcs["__sb_fsRead"].(func(string) (string, error))("a.txt")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	_, err = rec.funcs["__sb_fsWrite"].(func(string, string) (int, error))("a.txt", "x")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	_, err = rec.funcs["__sb_fsList"].(func(string) (string, error))(".")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	_, err = rec.funcs["__sb_fsRemove"].(func(string) (int, error))("a.txt")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	_, err = rec.funcs["__sb_httpStart"].(func(string, string) (int, error))("https://example.com", "{}")
	assert.ErrorIs(t, err, core.ErrPolicyViolation)

	assert.Equal(t, []string{
		"sqlite", "sqlite",
		"tempfs", "tempfs", "tempfs", "tempfs",
		"safehttp",
	}, inv.State.Denied())
	assert.NotContains(t, rec.funcs, "__sb_osGetenv")
}

func TestCapabilityHostFunctionsWhenAllowed(t *testing.T) {
	inv := newInvocation(t, policy.New([]string{"sqlite"}))
	rec := &funcRecorder{funcs: map[string]any{}}
	require.NoError(t, registerHost(rec, eventloop.New(), inv, nil))

	out, err := rec.funcs["__sb_sqlQuery"].(func(string, string) (string, error))("SELECT 42 AS x", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"columns":["x"],"rows":[[42]]}`, out)
	assert.Empty(t, inv.State.Denied())
}
