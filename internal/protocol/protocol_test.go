package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/sandbox/internal/core"
)

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n  \n{\"a\":1}\r\n\n{\"b\":2}"), 0)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(rec))

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(rec))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRecordTooLarge(t *testing.T) {
	in := strings.Repeat("x", 100) + "\n{\"ok\":true}\n"
	r := NewReader(strings.NewReader(in), 20)

	_, err := r.Next()
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(rec))
}

func TestReadInit(t *testing.T) {
	r := NewReader(strings.NewReader(`{"type":"init","allowedModules":["numpy","pandas"]}`+"\n"), 0)
	cfg, err := r.ReadInit()
	require.NoError(t, err)
	assert.Equal(t, []string{"numpy", "pandas"}, cfg.AllowedModules)
}

func TestReadInitFatal(t *testing.T) {
	for name, in := range map[string]string{
		"empty":      "",
		"not json":   "hello\n",
		"wrong type": `{"type":"task","code":"x"}` + "\n",
		"bad list":   `{"type":"init","allowedModules":"numpy"}` + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(in), 0).ReadInit()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrFatalStartup)
		})
	}
}

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask([]byte(`{"code":"def main(v): return 1","variables":{"n":3,"f":1.5,"s":"x"},"timeoutMs":250}`))
	require.NoError(t, err)
	assert.Equal(t, "def main(v): return 1", task.Code)
	assert.Equal(t, 250, task.TimeoutMs)
	assert.Equal(t, json.Number("3"), task.Variables["n"])
	assert.Equal(t, json.Number("1.5"), task.Variables["f"])
	assert.Equal(t, "x", task.Variables["s"])
}

func TestDecodeTaskDefaults(t *testing.T) {
	task, err := DecodeTask([]byte(`{"code":"x"}`))
	require.NoError(t, err)
	assert.Empty(t, task.Variables)
	assert.NotNil(t, task.Variables)
	assert.Equal(t, 0, task.TimeoutMs)
}

func TestDecodePing(t *testing.T) {
	task, err := DecodeTask([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, core.TypePing, task.Type)
}

func TestDecodeTaskErrors(t *testing.T) {
	for name, in := range map[string]string{
		"garbage":       "not json",
		"missing code":  `{"variables":{}}`,
		"code type":     `{"code":5}`,
		"variables arr": `{"code":"x","variables":[1]}`,
		"timeout":       `{"code":"x","timeoutMs":-1}`,
		"unknown type":  `{"type":"shutdown"}`,
		"utf8":          "{\"code\":\"\xff\"}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTask([]byte(in))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrProtocol)

			res := InvalidInput(err)
			assert.False(t, res.Success)
			assert.True(t, strings.HasPrefix(res.Message, "Invalid JSON input: "), res.Message)
			assert.NotContains(t, res.Message, core.ErrProtocol.Error())
		})
	}
}

func TestWriterOneLinePerRecord(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteResult(core.Result{Success: true, Data: 4}))
	require.NoError(t, w.WritePong())
	require.NoError(t, w.WriteResult(core.Result{Success: false, Message: "<b>&</b>"}))

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"success":true,"data":4}`, lines[0])
	assert.Equal(t, `{"type":"pong"}`, lines[1])
	assert.Equal(t, `{"success":false,"message":"<b>&</b>"}`, lines[2])
}

func TestWriterZeroDataKept(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewWriter(&out).WriteResult(core.Result{Success: true, Data: 0}))
	assert.Equal(t, `{"success":true,"data":0}`+"\n", out.String())
}

func TestWriterNullDataOnSuccess(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteResult(core.Result{Success: true}))
	require.NoError(t, w.WriteResult(core.Result{Success: true, Data: core.RawJSON(`[1]`), Log: "x"}))
	require.NoError(t, w.WriteResult(core.Result{Success: false, Data: 1, Message: "boom"}))

	assert.Equal(t, `{"success":true,"data":null}`+"\n"+
		`{"success":true,"data":[1],"log":"x"}`+"\n"+
		`{"success":false,"message":"boom"}`+"\n", out.String())
}

func TestWriterUnencodableData(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewWriter(&out).WriteResult(core.Result{Success: true, Data: math.NaN(), Log: "hi"}))

	var res core.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not JSON serializable")
	assert.Equal(t, "hi", res.Log)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestWriterPropagatesErrors(t *testing.T) {
	assert.Error(t, NewWriter(failWriter{}).WritePong())
}
