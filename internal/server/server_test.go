package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/governor"
	"github.com/cryguy/sandbox/internal/metrics"
	"github.com/cryguy/sandbox/internal/starlark"
)

const initLine = `{"type":"init","allowedModules":["sqlite"]}`

func taskLine(code string, extra ...string) string {
	b, _ := json.Marshal(code)
	fields := append([]string{`"code":` + string(b)}, extra...)
	return "{" + strings.Join(fields, ",") + "}"
}

func serve(t *testing.T, cfg Config, lines []string, opts ...Option) ([]map[string]any, error) {
	t.Helper()
	eng := starlark.New(core.EngineConfig{}, nil)
	s := New(eng, cfg, opts...)
	var out bytes.Buffer
	err := s.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	return decodeLines(t, out.String()), err
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		records = append(records, rec)
	}
	return records
}

func TestServeEndToEnd(t *testing.T) {
	recs, err := serve(t, Config{}, []string{
		initLine,
		taskLine("def main():\n    return 2 + 2\n"),
		taskLine("def main(variables):\n    return variables['name'] + '!'\n", `"variables":{"name":"hi"}`),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]any{"success": true, "data": float64(4)}, recs[0])
	assert.Equal(t, map[string]any{"success": true, "data": "hi!"}, recs[1])
}

func TestServeNoMain(t *testing.T) {
	recs, err := serve(t, Config{}, []string{initLine, taskLine("x = 1\n")})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": false, "message": "No main function defined"}, recs[0])
}

func TestServeCapturesLog(t *testing.T) {
	recs, err := serve(t, Config{}, []string{initLine,
		taskLine("def main():\n    print('a')\n    print('b')\n    return None\n")})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true, "log": "a\nb"}, recs[0])
}

func TestServePolicy(t *testing.T) {
	m := metrics.NewCollector("sandbox", nil)
	recs, err := serve(t, Config{}, []string{
		`{"type":"init","allowedModules":["os","sqlite"]}`,
		taskLine("import os\ndef main():\n    return 1\n"),
		taskLine("import safehttp\ndef main():\n    return 1\n"),
		taskLine("import sqlite\ndef main():\n    return sqlite.query('SELECT 1 AS one')['rows']\n"),
	}, WithMetrics(m))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, false, recs[0]["success"])
	assert.Contains(t, recs[0]["message"], "not allowed")
	assert.Equal(t, false, recs[1]["success"])
	assert.Contains(t, recs[1]["message"], "allowlist")
	assert.Equal(t, []any{[]any{float64(1)}}, recs[2]["data"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `sandbox_policy_denials_total{module="os"} 1`)
	assert.Contains(t, rec.Body.String(), `sandbox_tasks_total{outcome="policy"} 2`)
}

func TestServeMalformedLinesDoNotStopTheLoop(t *testing.T) {
	recs, err := serve(t, Config{}, []string{
		initLine,
		`{not json`,
		`{"variables":{}}`,
		"",
		taskLine("def main():\n    return 'ok'\n"),
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, false, recs[0]["success"])
	assert.True(t, strings.HasPrefix(recs[0]["message"].(string), "Invalid JSON input: "))
	assert.Equal(t, "Invalid JSON input: missing field \"code\"", recs[1]["message"])
	assert.Equal(t, "ok", recs[2]["data"])
}

func TestServePing(t *testing.T) {
	recs, err := serve(t, Config{}, []string{initLine, `{"type":"ping"}`,
		taskLine("def main():\n    return 1\n")})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]any{"type": "pong"}, recs[0])
	assert.Equal(t, float64(1), recs[1]["data"])
}

func TestServeNoneReturnWritesNullData(t *testing.T) {
	recs, err := serve(t, Config{}, []string{initLine, taskLine("def main():\n    return None\n")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]any{"success": true, "data": nil}, recs[0])
}

func TestServeRepeatedInitIsAnswered(t *testing.T) {
	recs, err := serve(t, Config{}, []string{initLine, `{"type":"init","allowedModules":["os"]}`,
		taskLine("def main():\n    return 1\n")})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, false, recs[0]["success"])
	assert.Equal(t, "Invalid JSON input: unexpected init record", recs[0]["message"])
	assert.Equal(t, float64(1), recs[1]["data"])
}

func TestServeTimeoutThenNextTask(t *testing.T) {
	start := time.Now()
	recs, err := serve(t, Config{}, []string{
		initLine,
		taskLine("def main():\n    while True:\n        pass\n", `"timeoutMs":50`),
		taskLine("def main():\n    return 'after'\n"),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]any{"success": false, "message": "Script execution timed out after 50ms"}, recs[0])
	assert.Equal(t, "after", recs[1]["data"])
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServeReadyAck(t *testing.T) {
	recs, err := serve(t, Config{ReadyAck: true}, []string{initLine})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]any{
		"type":           "ready",
		"mode":           "restricted",
		"language":       "starlark",
		"allowedModules": []any{"sqlite"},
	}, recs[0])
}

func TestServeWarmup(t *testing.T) {
	t.Setenv("SANDBOX_SERVER_TEST", "yes")
	recs, err := serve(t, Config{Warmup: true, ReadyAck: true}, []string{
		taskLine("import os\ndef main():\n    return os.getenv('SANDBOX_SERVER_TEST')\n"),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "warmup", recs[0]["mode"])
	assert.Equal(t, "yes", recs[1]["data"])
}

func TestServeFatalStartup(t *testing.T) {
	for name, lines := range map[string][]string{
		"task first": {taskLine("def main():\n    return 1\n")},
		"bad json":   {`{"type":`},
		"empty":      {},
	} {
		t.Run(name, func(t *testing.T) {
			recs, err := serve(t, Config{}, lines)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrFatalStartup)
			assert.Empty(t, recs)
		})
	}
}

type stubbornEngine struct{ hold time.Duration }

func (stubbornEngine) Language() string  { return "stub" }
func (stubbornEngine) SourceExt() string { return ".stub" }
func (stubbornEngine) Warm() error       { return nil }

func (stubbornEngine) Preload(name, source, path string, g engine.Gate) error {
	return nil
}

func (e stubbornEngine) Execute(ctx context.Context, inv *engine.Invocation) (any, error) {
	time.Sleep(e.hold)
	return "late", nil
}

func TestServeWedged(t *testing.T) {
	m := metrics.NewCollector("sandbox", nil)
	gov := governor.New(governor.WithGrace(20 * time.Millisecond))
	s := New(stubbornEngine{hold: 300 * time.Millisecond}, Config{}, WithGovernor(gov), WithMetrics(m))

	var out bytes.Buffer
	in := strings.Join([]string{initLine, taskLine("x", `"timeoutMs":20`), taskLine("y")}, "\n")
	err := s.Serve(context.Background(), strings.NewReader(in), &out)
	require.ErrorIs(t, err, core.ErrWorkerWedged)

	recs := decodeLines(t, out.String())
	require.Len(t, recs, 1)
	assert.Equal(t, "Script execution timed out after 20ms", recs[0]["message"])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestServeOutputFailureIsFatal(t *testing.T) {
	s := New(starlark.New(core.EngineConfig{}, nil), Config{})
	in := strings.Join([]string{initLine, taskLine("def main():\n    return 1\n")}, "\n")
	err := s.Serve(context.Background(), strings.NewReader(in), failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestServeStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(starlark.New(core.EngineConfig{}, nil), Config{})
	err := s.Serve(ctx, strings.NewReader(initLine+"\n"), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServeOneResultPerTaskInOrder(t *testing.T) {
	eng := starlark.New(core.EngineConfig{}, nil)
	rapid.Check(t, func(t *rapid.T) {
		kinds := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 20).Draw(t, "kinds")
		lines := []string{initLine}
		for i, k := range kinds {
			switch k {
			case 0:
				lines = append(lines, taskLine(fmt.Sprintf("def main():\n    return %d\n", i)))
			case 1:
				lines = append(lines, taskLine(fmt.Sprintf("def main():\n    fail('task %d')\n", i)))
			case 2:
				lines = append(lines, `{"code": 5}`)
			case 3:
				lines = append(lines, taskLine("import subprocess\ndef main():\n    return 0\n"))
			case 4:
				lines = append(lines, initLine)
			}
		}

		var out bytes.Buffer
		err := New(eng, Config{}).Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")), &out)
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
		got := strings.Split(strings.TrimSpace(out.String()), "\n")
		if len(got) != len(kinds) {
			t.Fatalf("got %d results for %d tasks", len(got), len(kinds))
		}
		for i, k := range kinds {
			var res core.Result
			if err := json.Unmarshal([]byte(got[i]), &res); err != nil {
				t.Fatalf("line %d: %v", i, err)
			}
			if res.Success != (k == 0) {
				t.Fatalf("line %d: success=%v for kind %d", i, res.Success, k)
			}
			if k == 0 && res.Data != float64(i) {
				t.Fatalf("line %d: data=%v", i, res.Data)
			}
		}
	})
}
