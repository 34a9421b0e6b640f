// Package sandbox supervises the external isolation host process that
// runs synthesized modules. One subprocess per execution, each on its
// own ephemeral loopback port; the supervisor walks the execution
// through spawn, readiness, a single dispatch, and teardown.
package sandbox

import (
	"fmt"
	"time"
)

// Request is one execution against a spawned isolation host.
type Request struct {
	InstanceID string
	// Module is the complete synthesized entry-module source.
	Module    string
	TimeoutMs int
}

// Metrics mirrors the per-execution counters the module reports.
type Metrics struct {
	MCPCallsMade int      `json:"mcp_calls_made"`
	ToolsCalled  []string `json:"tools_called"`
}

// Result is the isolation host's response envelope. A failed user
// execution is still a Result, not a Go error.
type Result struct {
	Success bool    `json:"success"`
	Output  string  `json:"output"`
	Result  any     `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
	Stack   string  `json:"stack,omitempty"`
	Metrics Metrics `json:"metrics"`

	ExecutionID string        `json:"-"`
	Duration    time.Duration `json:"-"`
}

// FailureClass distinguishes why an execution never produced a Result.
type FailureClass string

const (
	// FailureUnavailable means the backend executable does not exist.
	// Permanent: once observed, every later execution fails fast.
	FailureUnavailable FailureClass = "backend_unavailable"
	// FailureBuild means the backend exited pre-ready with build or
	// compile failure markers in its output.
	FailureBuild FailureClass = "build"
	// FailureCapability means the backend exited pre-ready complaining
	// about a missing isolation capability or permission flag.
	FailureCapability FailureClass = "capability"
	// FailureExit is any other pre-ready non-zero exit.
	FailureExit FailureClass = "exit"
	// FailureReadiness means the backend never answered health probes
	// within the attempt and wall-clock bounds.
	FailureReadiness FailureClass = "readiness"
	// FailureDispatch covers transport errors and non-2xx responses on
	// the single execute round trip.
	FailureDispatch FailureClass = "dispatch"
)

// HostError reports a supervision failure with its classification.
type HostError struct {
	Class  FailureClass
	Detail string
	Err    error
}

func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("isolation host %s: %s: %v", e.Class, e.Detail, e.Err)
	}
	return fmt.Sprintf("isolation host %s: %s", e.Class, e.Detail)
}

func (e *HostError) Unwrap() error { return e.Err }
