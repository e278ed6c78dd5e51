// Package protocol implements the newline-delimited JSON framing between a
// sandbox worker and its controller: one record per line in, one record
// per line out.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cryguy/sandbox/internal/core"
)

// MaxRecordBytes bounds a single inbound record.
const MaxRecordBytes = 16 << 20

// ErrRecordTooLarge reports a record longer than the reader's limit.
var ErrRecordTooLarge = errors.New("record too large")

// Reader splits an input stream into records, skipping blank lines.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader returns a Reader over in. A max of 0 selects MaxRecordBytes.
func NewReader(in io.Reader, max int) *Reader {
	if max <= 0 {
		max = MaxRecordBytes
	}
	return &Reader{r: bufio.NewReaderSize(in, 64<<10), max: max}
}

// Next returns the next non-blank record without its line terminator. It
// returns io.EOF once the input is exhausted. A record that is too long is
// consumed and reported as ErrRecordTooLarge so the caller can continue.
func (r *Reader) Next() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false
	for {
		chunk, err := r.r.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > r.max+1 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLarge {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrRecordTooLarge, r.max)
		}
		return buf, err
	}
}

// ReadInit reads the init record a restricted worker requires before any
// task. Every failure wraps core.ErrFatalStartup.
func (r *Reader) ReadInit() (*core.InitConfig, error) {
	line, err := r.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: input closed before init record", core.ErrFatalStartup)
		}
		return nil, fmt.Errorf("%w: reading init record: %w", core.ErrFatalStartup, err)
	}
	cfg, err := DecodeInit(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFatalStartup, err)
	}
	return cfg, nil
}

// DecodeInit parses an init record. A missing allowedModules field is an
// empty allowlist.
func DecodeInit(line []byte) (*core.InitConfig, error) {
	var cfg core.InitConfig
	if err := json.Unmarshal(line, &cfg); err != nil {
		return nil, fmt.Errorf("invalid init record: %w", err)
	}
	if cfg.Type != core.TypeInit {
		return nil, fmt.Errorf("invalid init record: expected type %q, got %q", core.TypeInit, cfg.Type)
	}
	return &cfg, nil
}

// wireTask is the inbound task shape before validation. Numbers inside
// variables are kept as json.Number so integers survive exactly.
type wireTask struct {
	Type      string          `json:"type"`
	Code      *string         `json:"code"`
	Variables json.RawMessage `json:"variables"`
	TimeoutMs json.Number     `json:"timeoutMs"`
	TempDir   string          `json:"tempDir"`
}

// DecodeTask parses a task or ping record. Failures wrap core.ErrProtocol;
// their text is the detail carried in "Invalid JSON input: <detail>".
func DecodeTask(line []byte) (*core.Task, error) {
	if !utf8.Valid(line) {
		return nil, fmt.Errorf("%w: input is not valid UTF-8", core.ErrProtocol)
	}
	var w wireTask
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrProtocol, err)
	}
	task := &core.Task{Type: w.Type, TempDir: w.TempDir}
	switch w.Type {
	case core.TypePing, core.TypeInit:
		return task, nil
	case "", core.TypeTask:
	default:
		return nil, fmt.Errorf("%w: unknown record type %q", core.ErrProtocol, w.Type)
	}
	if w.Code == nil {
		return nil, fmt.Errorf("%w: missing field \"code\"", core.ErrProtocol)
	}
	task.Code = *w.Code

	vars, err := decodeVariables(w.Variables)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrProtocol, err)
	}
	task.Variables = vars

	if w.TimeoutMs != "" {
		f, err := strconv.ParseFloat(string(w.TimeoutMs), 64)
		if err != nil || math.IsNaN(f) || f < 0 || f > math.MaxInt32 {
			return nil, fmt.Errorf("%w: invalid timeoutMs %q", core.ErrProtocol, w.TimeoutMs)
		}
		task.TimeoutMs = int(f)
	}
	return task, nil
}

func decodeVariables(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] != '{' {
		return nil, errors.New("field \"variables\" must be an object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	vars := map[string]any{}
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("field \"variables\": %w", err)
	}
	return vars, nil
}

// InvalidInput is the Result for a record that failed to decode.
func InvalidInput(err error) core.Result {
	detail := err.Error()
	if rest, ok := strings.CutPrefix(detail, core.ErrProtocol.Error()+": "); ok {
		detail = rest
	}
	return core.Result{Success: false, Message: "Invalid JSON input: " + detail}
}

// Writer serializes outbound records. Each record is written as one line
// and flushed before Write returns. Writer is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter returns a Writer over out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(out)}
}

// Encode marshals v as a single JSON line without HTML escaping.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes v and writes it as one flushed line.
func (w *Writer) Write(v any) error {
	line, err := Encode(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	return w.w.Flush()
}

// resultRecord is the wire form of core.Result. A successful result always
// carries data, null included; a failed one never does.
type resultRecord struct {
	Success bool   `json:"success"`
	Data    *any   `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Log     string `json:"log,omitempty"`
}

func record(res core.Result) resultRecord {
	rec := resultRecord{Success: res.Success, Message: res.Message, Log: res.Log}
	if res.Success {
		data := res.Data
		rec.Data = &data
	}
	return rec
}

// WriteResult writes res. When its data cannot be encoded the task is
// answered with a failure naming the encoding problem instead.
func (w *Writer) WriteResult(res core.Result) error {
	line, err := Encode(record(res))
	if err != nil {
		line, err = Encode(record(core.Result{
			Success: false,
			Message: "Result is not JSON serializable: " + err.Error(),
			Log:     res.Log,
		}))
		if err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	return w.w.Flush()
}

// WritePong answers a ping.
func (w *Writer) WritePong() error {
	return w.Write(core.Pong{Type: core.TypePong})
}
