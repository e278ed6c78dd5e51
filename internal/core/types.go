package core

import (
	"encoding/json"
	"time"
)

// Message types carried in the "type" field of an inbound record.
const (
	TypeInit = "init"
	TypePing = "ping"
	TypePong = "pong"
	TypeTask = "task"
)

// DefaultTimeoutMs applies when a task does not carry timeoutMs.
const DefaultTimeoutMs = 10000

// InitConfig is the first record a restricted worker reads. It fixes the
// module allowlist for the lifetime of the process.
type InitConfig struct {
	Type           string   `json:"type"`
	AllowedModules []string `json:"allowedModules"`
}

// Task is one unit of work read from the input stream.
type Task struct {
	// ID is assigned by the worker for log correlation; it is never read
	// from or written to the wire.
	ID        string         `json:"-"`
	Type      string         `json:"type,omitempty"`
	Code      string         `json:"code"`
	Variables map[string]any `json:"variables"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
	TempDir   string         `json:"tempDir,omitempty"`
}

// Timeout returns the task's effective time limit. A zero or negative
// timeoutMs selects def.
func (t *Task) Timeout(def time.Duration) time.Duration {
	if t.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Result is the single record written for each task. protocol.Writer
// always emits data for a successful result, even when it is nil.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Log     string `json:"log,omitempty"`
}

// Pong answers a ping record.
type Pong struct {
	Type string `json:"type"`
}

// Ready is the optional acknowledgement written once a worker has finished
// startup and is waiting for tasks.
type Ready struct {
	Type           string   `json:"type"`
	Mode           string   `json:"mode"`
	Language       string   `json:"language"`
	AllowedModules []string `json:"allowedModules,omitempty"`
}

// LogEntry is a single print/console line captured from a task.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RawJSON marks a task return value that is already JSON encoded, as the
// JavaScript engines produce it.
type RawJSON = json.RawMessage
