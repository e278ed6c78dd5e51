// Package capability implements the host-side modules task code can import
// through the policy gate: helper, safehttp, tempfs, sqlite and, for the
// warmup worker only, os. Each engine binds these Go implementations into
// its own language.
package capability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
)

// Module names exposed to task code.
const (
	ModuleHelper   = "helper"
	ModuleSafeHTTP = "safehttp"
	ModuleTempFS   = "tempfs"
	ModuleSQLite   = "sqlite"
	ModuleOS       = "os"
)

// Config bounds what capability modules may do within one task.
type Config struct {
	MaxHTTPRequests     int           `yaml:"max_http_requests"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	MaxResponseBytes    int64         `yaml:"max_response_bytes"`
	AllowPrivateNetwork bool          `yaml:"allow_private_network"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	MaxFileBytes        int64         `yaml:"max_file_bytes"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxHTTPRequests:  30,
		HTTPTimeout:      60 * time.Second,
		MaxResponseBytes: 2 << 20,
		MaxDelay:         10 * time.Second,
		MaxFileBytes:     10 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxHTTPRequests <= 0 {
		c.MaxHTTPRequests = d.MaxHTTPRequests
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = d.MaxResponseBytes
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = d.MaxFileBytes
	}
	return c
}

// Session is the capability state of one task. It is bound to the task's
// deadline context and released when the task state closes.
type Session struct {
	ctx    context.Context
	cfg    Config
	state  *core.TaskState
	logger *zap.Logger

	mu        sync.Mutex
	httpCount int
	client    *http.Client
	db        *SQLite
}

// NewSession creates the capability session for one task and registers its
// cleanup on state.
func NewSession(ctx context.Context, cfg Config, state *core.TaskState, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		ctx:    ctx,
		cfg:    cfg.withDefaults(),
		state:  state,
		logger: logger,
	}
	state.RegisterCleanup(s.close)
	return s
}

// Context returns the task context.
func (s *Session) Context() context.Context { return s.ctx }

// Config returns the effective limits.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) close() {
	s.mu.Lock()
	db := s.db
	s.db = nil
	client := s.client
	s.mu.Unlock()
	if db != nil {
		if err := db.Close(); err != nil {
			s.logger.Debug("closing task database", zap.Error(err))
		}
	}
	if client != nil {
		client.CloseIdleConnections()
	}
}
