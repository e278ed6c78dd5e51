// Package engine defines the contract between the worker loop and the
// language engines that run task code.
package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
)

// Gate is the module access policy as seen by an engine's loader.
type Gate interface {
	Check(name string) error
	Unrestricted() bool
}

// Invocation is everything an engine may touch while running one task.
// It is created per task and dropped when the task's Result is written.
type Invocation struct {
	Task   *core.Task
	State  *core.TaskState
	Gate   Gate
	Caps   *capability.Session
	Logger *zap.Logger
}

// Engine runs task code in a fresh interpreter per Invocation.
//
// Execute must stop promptly once ctx is done; engines hook their
// interrupt primitive to ctx. Preload may only be called before the first
// Execute and the libraries it adds are read-only afterwards.
type Engine interface {
	// Language is the value accepted by --lang.
	Language() string

	// SourceExt is the file extension of preloadable libraries.
	SourceExt() string

	// Preload compiles a library under name so tasks can import it.
	// Imports made by the library itself are checked against gate.
	Preload(name, source, path string, gate Gate) error

	// Warm performs the engine's own heavy one-time initialization.
	Warm() error

	// Execute runs inv.Task and returns main's return value. JavaScript
	// engines return core.RawJSON.
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// Load checks name against the gate and records a denial on the task
// state. Every engine loader calls it before resolving a module.
func (inv *Invocation) Load(name string) error {
	if err := inv.Gate.Check(name); err != nil {
		inv.State.MarkDenied(name)
		return err
	}
	return nil
}
