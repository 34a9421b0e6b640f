package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator failures so callers can tell "your code
// is wrong" from "the sandbox is broken" from "the upstream failed".
type Kind string

const (
	// KindConnection: the upstream server was unreachable or rejected
	// the session.
	KindConnection Kind = "connection_error"
	// KindValidation: malformed load/execute input, rejected before
	// any process was spawned.
	KindValidation Kind = "validation_error"
	// KindBackendUnavailable: the isolation host executable is missing.
	// Permanent for the process lifetime once observed.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindBuild: the synthesized module failed to compile or load.
	KindBuild Kind = "build_error"
	// KindTimeout: readiness polling or execution exceeded its budget.
	KindTimeout Kind = "timeout_error"
	// KindRuntime: user code threw, or an upstream call failed.
	KindRuntime Kind = "runtime_error"
	// KindNotFound: unknown instance id.
	KindNotFound Kind = "not_found"
	// KindInternal: anything unclassified.
	KindInternal Kind = "internal_error"
)

// Error is the orchestrator's typed error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two orchestrator errors by kind, enabling
// errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Message == ""
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}
