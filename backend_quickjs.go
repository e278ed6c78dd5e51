//go:build !v8

package sandbox

import (
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/engine"
	"github.com/cryguy/sandbox/internal/quickjs"
)

// JSBackend names the JavaScript engine compiled into this binary.
const JSBackend = "quickjs"

func newJSEngine(cfg core.EngineConfig, logger *zap.Logger) engine.Engine {
	return quickjs.New(cfg, logger)
}
