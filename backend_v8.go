//go:build v8

package sandbox

import (
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/v8engine"
)

// JSBackend names the JavaScript engine compiled into this binary.
const JSBackend = "v8"

func newJSEngine(cfg core.EngineConfig, logger *zap.Logger) engine.Engine {
	return v8engine.New(cfg, logger)
}
