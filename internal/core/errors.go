package core

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol reports an unreadable or malformed record. The worker
	// answers it with a failed Result and keeps reading.
	ErrProtocol = errors.New("protocol error")

	// ErrPolicyViolation reports an import of a denied or unlisted module.
	ErrPolicyViolation = errors.New("module not permitted")

	// ErrExecution reports a compile or runtime fault in task code.
	ErrExecution = errors.New("execution failed")

	// ErrNoMain reports task code that does not define a main callable.
	ErrNoMain = errors.New("no main function defined")

	// ErrTimeout reports a task that exceeded its time limit.
	ErrTimeout = errors.New("execution timed out")

	// ErrFatalStartup reports a missing or malformed init record.
	ErrFatalStartup = errors.New("fatal startup error")

	// ErrWorkerWedged reports a task that ignored interruption. The worker
	// must exit after answering it.
	ErrWorkerWedged = errors.New("worker wedged by unresponsive task")
)

// NoMainMessage is the Result.message for ErrNoMain.
const NoMainMessage = "No main function defined"

// Kind classifies a task failure.
type Kind int

const (
	KindExecution Kind = iota
	KindProtocol
	KindPolicy
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	case KindTimeout:
		return "timeout"
	default:
		return "execution"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindProtocol:
		return ErrProtocol
	case KindPolicy:
		return ErrPolicyViolation
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrExecution
	}
}

// TaskError is a classified task failure. Message is what the caller sees
// in Result.message.
type TaskError struct {
	Kind    Kind
	Message string
	Err     error
}

// NewTaskError builds a TaskError; an empty msg falls back to err's text.
func NewTaskError(kind Kind, msg string, err error) *TaskError {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &TaskError{Kind: kind, Message: msg, Err: err}
}

// Errorf builds a TaskError with a formatted message and no cause.
func Errorf(kind Kind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string { return e.Message }

func (e *TaskError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's Kind, so callers can test
// errors.Is(err, ErrTimeout) without unwrapping.
func (e *TaskError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Classify returns the Kind of err. Errors that carry no classification
// are execution faults.
func Classify(err error) Kind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrPolicyViolation):
		return KindPolicy
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	default:
		return KindExecution
	}
}

// Message returns the caller-facing text of err.
func Message(err error) string {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

// Failure builds the failed Result for err.
func Failure(err error) Result {
	return Result{Success: false, Message: Message(err)}
}
