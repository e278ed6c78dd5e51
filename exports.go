package sandbox

import (
	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/policy"
	"github.com/cryguy/sandbox/internal/preload"
)

// Type aliases re-exporting internal types so embedders can build and
// inspect records without importing internal packages.

type Task = core.Task
type Result = core.Result
type InitConfig = core.InitConfig
type TaskError = core.TaskError
type CapabilityConfig = capability.Config
type PreloadConfig = preload.Config

// Errors re-exported from core.
var (
	ErrFatalStartup    = core.ErrFatalStartup
	ErrWorkerWedged    = core.ErrWorkerWedged
	ErrPolicyViolation = core.ErrPolicyViolation
)

// DefaultTimeoutMs applies to tasks without timeoutMs.
const DefaultTimeoutMs = core.DefaultTimeoutMs

// Policy helpers re-exported from policy.
var (
	DenyList = policy.DenyList
	SafeCore = policy.SafeCore
)
