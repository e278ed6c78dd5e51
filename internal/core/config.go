package core

// EngineConfig holds per-task resource limits applied by the engines.
type EngineConfig struct {
	MaxSteps      uint64 // Starlark execution steps per task; 0 is unlimited
	MemoryLimitMB int    // JavaScript heap per task; 0 uses the engine default
	TransformJS   bool   // run JavaScript task code through esbuild first
}
