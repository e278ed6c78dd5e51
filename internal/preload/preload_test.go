package preload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/policy"
	"github.com/cryguy/sandbox/internal/starlark"
)

func writeLib(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func TestRunLoadsConfiguredLibraries(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, "textutil.star", "def shout(s):\n    return s.upper()\n")
	writeLib(t, dir, "broken.star", "def (:\n")
	writeLib(t, dir, "other.star", "x = 1\n")

	eng := starlark.New(core.EngineConfig{}, nil)
	p := New(eng, Config{LibDir: dir, Libraries: []string{"textutil", "broken", "missing"}}, nil)

	loaded := p.Run(policy.Unrestricted(), true)
	assert.Equal(t, []string{"textutil"}, loaded)
	assert.Equal(t, []string{"textutil"}, eng.Libraries())
}

func TestRunDiscoversDirectory(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, "b.star", "y = 2\n")
	writeLib(t, dir, "a.star", "x = 1\n")
	writeLib(t, dir, "c.js", "exports.z = 3\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.star"), 0o755))

	p := New(starlark.New(core.EngineConfig{}, nil), Config{LibDir: dir}, nil)
	assert.Equal(t, []string{"a", "b"}, p.Run(policy.New(nil), false))
}

func TestRunOnce(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, "a.star", "x = 1\n")
	fake := &fakeEngine{}
	p := New(fake, Config{LibDir: dir}, nil)

	p.Run(policy.Unrestricted(), true)
	p.Run(policy.Unrestricted(), true)
	assert.Equal(t, 1, fake.warms)
	assert.Equal(t, 1, fake.preloads)
	assert.Equal(t, []string{"a"}, p.Loaded())
}

func TestRunWarmFailureIsNotFatal(t *testing.T) {
	fake := &fakeEngine{warmErr: errors.New("no")}
	p := New(fake, Config{}, nil)
	assert.Empty(t, p.Run(policy.Unrestricted(), true))
	assert.Equal(t, 1, fake.warms)
}

func TestPreloadedLibraryIsGatedPerTask(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, "textutil.star", "def shout(s):\n    return s.upper()\n")
	eng := starlark.New(core.EngineConfig{}, nil)
	New(eng, Config{LibDir: dir}, nil).Run(policy.New(nil), false)

	code := "load(\"textutil\", \"shout\")\ndef main():\n    return shout(\"hi\")\n"
	run := func(gate engine.Gate) (any, error) {
		task := &core.Task{Code: code, Variables: map[string]any{}}
		state := core.NewTaskState(task)
		defer state.Close()
		return eng.Execute(context.Background(), &engine.Invocation{Task: task, State: state, Gate: gate})
	}

	out, err := run(policy.New([]string{"textutil"}))
	require.NoError(t, err)
	assert.Equal(t, "HI", out)

	_, err = run(policy.New(nil))
	require.Error(t, err)
	assert.Contains(t, core.Message(err), "allowlist")
}

type fakeEngine struct {
	warms, preloads int
	warmErr         error
}

func (f *fakeEngine) Language() string  { return "fake" }
func (f *fakeEngine) SourceExt() string { return ".star" }
func (f *fakeEngine) Warm() error       { f.warms++; return f.warmErr }

func (f *fakeEngine) Preload(name, source, path string, gate engine.Gate) error {
	f.preloads++
	return nil
}

func (f *fakeEngine) Execute(ctx context.Context, inv *engine.Invocation) (any, error) {
	return nil, nil
}
