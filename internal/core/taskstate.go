package core

import (
	"strings"
	"sync"
	"time"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// TaskState holds the mutable state of one task: captured output, denied
// imports, extension values for capability modules, and cleanups. A new
// TaskState is created per task and closed when its Result is written, so
// nothing in it survives into the next task.
type TaskState struct {
	Task *Task

	mu       sync.Mutex
	logs     []LogEntry
	dropped  int
	denied   []string
	ext      map[string]any
	cleanups []func()
	closed   bool
}

// NewTaskState creates the state for task.
func NewTaskState(task *Task) *TaskState {
	return &TaskState{Task: task}
}

// AddLog appends a captured output line. Entries past MaxLogEntries are
// counted but dropped; long messages are truncated.
func (s *TaskState) AddLog(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) >= MaxLogEntries {
		s.dropped++
		return
	}
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	s.logs = append(s.logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// Logs returns a copy of the captured entries.
func (s *TaskState) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// LogText joins the captured messages with newlines, the form carried in
// Result.log.
func (s *TaskState) LogText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range s.logs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Message)
	}
	return b.String()
}

// MarkDenied records a module the policy rejected during this task.
func (s *TaskState) MarkDenied(module string) {
	s.mu.Lock()
	s.denied = append(s.denied, module)
	s.mu.Unlock()
}

// Denied returns the modules rejected during this task, in order.
func (s *TaskState) Denied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.denied...)
}

// SetExt stores a value in the extension map under the given key.
func (s *TaskState) SetExt(key string, val any) {
	s.mu.Lock()
	if s.ext == nil {
		s.ext = make(map[string]any)
	}
	s.ext[key] = val
	s.mu.Unlock()
}

// GetExt retrieves a value from the extension map.
func (s *TaskState) GetExt(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ext[key]
}

// RegisterCleanup adds a function run by Close. Cleanups run in reverse
// registration order. Registering on a closed state runs fn immediately.
func (s *TaskState) RegisterCleanup(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Close runs the registered cleanups. It is safe to call more than once.
func (s *TaskState) Close() {
	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.closed = true
	s.ext = nil
	s.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}
