package core

// JSRuntime is the slice of a JavaScript VM that internal/jsapi drives.
// internal/quickjs and internal/v8engine implement it, one VM per task.
type JSRuntime interface {
	// Eval runs a script for its side effects.
	Eval(js string) error

	// EvalString and EvalBool run a script and convert its completion
	// value.
	EvalString(js string) (string, error)
	EvalBool(js string) (bool, error)

	// RegisterFunc exposes fn as the global name. fn takes and returns
	// string, int, float64 or bool values and may end its results with an
	// error, which reaches script code as a thrown Error.
	RegisterFunc(name string, fn any) error

	// SetGlobal binds a Go string, number, bool or JSON-compatible value
	// to a global name.
	SetGlobal(name string, value any) error

	// RunMicrotasks settles pending promise jobs.
	RunMicrotasks()
}
