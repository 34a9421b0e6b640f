package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/procutil"
)

const (
	// maxOutputBytes caps captured backend stdout/stderr to prevent
	// OOM from chatty processes.
	maxOutputBytes = 1 << 20 // 1 MB

	// probeTimeout bounds a single readiness probe.
	probeTimeout = 1 * time.Second

	// dispatchOverhead is added on top of the module's own timeout for
	// the execute round trip, covering module load and result encoding.
	dispatchOverhead = 10 * time.Second
)

// Markers matched against the backend's combined output when it exits
// before becoming ready.
var (
	buildMarkers = []string{
		"SyntaxError",
		"Unexpected token",
		"error: Uncaught",
		"error: Module not found",
		"compile error",
		"build failed",
	}
	capabilityMarkers = []string{
		"--allow-",
		"PermissionDenied",
		"NotCapable",
		"permission denied",
	}
	readyMarkers = []string{
		"listening on",
		"ready",
	}
)

// Supervisor runs isolation host subprocesses, one per execution.
// Safe for concurrent use; concurrent executions get distinct ports
// and processes.
type Supervisor struct {
	cfg    config.SandboxConfig
	term   *procutil.Terminator
	logger *slog.Logger
	client *http.Client

	mu          sync.Mutex
	unavailable bool
}

// NewSupervisor creates a Supervisor using the shared terminator for
// teardown.
func NewSupervisor(cfg config.SandboxConfig, term *procutil.Terminator, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		term:   term,
		logger: logger.With(slog.String("component", "sandbox")),
		client: &http.Client{},
	}
}

// Unavailable reports whether a previous spawn found no backend
// executable. The latch never resets within a process lifetime.
func (s *Supervisor) Unavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}

func (s *Supervisor) latchUnavailable() {
	s.mu.Lock()
	s.unavailable = true
	s.mu.Unlock()
}

// Execute walks one request through spawn, readiness, dispatch and
// teardown. A user-code failure comes back as a Result; a HostError
// means the execution never reached the module.
func (s *Supervisor) Execute(ctx context.Context, req Request) (*Result, error) {
	if s.Unavailable() {
		return nil, &HostError{
			Class:  FailureUnavailable,
			Detail: "isolation backend executable not found (previous spawn failed)",
		}
	}

	port, err := reservePort()
	if err != nil {
		return nil, &HostError{Class: FailureExit, Detail: "reserving ephemeral port", Err: err}
	}
	argv := renderCommand(s.cfg.RunnerCommand(), port)

	cmd := exec.Command(argv[0], argv[1:]...)
	procutil.SetSysProcAttr(cmd)
	cmd.Env = os.Environ()

	stdout := newCaptureBuffer(maxOutputBytes)
	stderr := newCaptureBuffer(maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Debug("spawning isolation backend",
		slog.String("instance", req.InstanceID),
		slog.Any("command", argv),
		slog.Int("port", port),
	)

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			s.latchUnavailable()
			s.logger.Error("isolation backend executable not found",
				slog.String("command", argv[0]))
			return nil, &HostError{
				Class:  FailureUnavailable,
				Detail: fmt.Sprintf("executable %q not found", argv[0]),
				Err:    err,
			}
		}
		return nil, &HostError{Class: FailureExit, Detail: "spawning isolation backend", Err: err}
	}

	pid := cmd.Process.Pid
	s.term.Track(pid, "sandbox:"+req.InstanceID)
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	// Teardown always runs, success or failure.
	defer func() {
		if err := s.term.Terminate(pid); err != nil {
			s.logger.Warn("isolation backend teardown failed",
				slog.Int("pid", pid), slog.Any("error", err))
		}
		s.term.Untrack(pid)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := s.awaitReady(ctx, baseURL, exitCh, stdout, stderr); err != nil {
		return nil, err
	}

	return s.dispatch(ctx, baseURL, req)
}

// awaitReady polls the backend's health endpoint, bounded by both an
// attempt count and a wall-clock deadline. A ready line in the
// backend's own startup output is accepted before the first successful
// probe. A pre-ready exit is classified from the combined output.
func (s *Supervisor) awaitReady(ctx context.Context, baseURL string, exitCh <-chan error, stdout, stderr *captureBuffer) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout())
	interval := s.cfg.ReadyInterval()
	attempts := s.cfg.ReadyAttempts()

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case waitErr := <-exitCh:
			return classifyExit(waitErr, stdout.String()+stderr.String())
		case <-ctx.Done():
			return &HostError{Class: FailureReadiness, Detail: "canceled while awaiting readiness", Err: ctx.Err()}
		default:
		}

		if time.Now().After(deadline) {
			break
		}
		if s.probe(ctx, baseURL) || hasReadyLine(stdout.String()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return &HostError{Class: FailureReadiness, Detail: "canceled while awaiting readiness", Err: ctx.Err()}
		case waitErr := <-exitCh:
			return classifyExit(waitErr, stdout.String()+stderr.String())
		case <-time.After(interval):
		}
	}

	return &HostError{
		Class:  FailureReadiness,
		Detail: fmt.Sprintf("backend not ready after %s", s.cfg.ReadyTimeout()),
	}
}

func (s *Supervisor) probe(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// dispatch issues the single execute round trip.
func (s *Supervisor) dispatch(ctx context.Context, baseURL string, req Request) (*Result, error) {
	execID := executionID(req.InstanceID, req.Module)

	payload, err := json.Marshal(map[string]any{
		"code":         req.Module,
		"timeout_ms":   req.TimeoutMs,
		"execution_id": execID,
	})
	if err != nil {
		return nil, &HostError{Class: FailureDispatch, Detail: "encoding execute request", Err: err}
	}

	// The client deadline exceeds the module's own timer so a timeout
	// inside the module still comes back as a structured result.
	dispatchCtx, cancel := context.WithTimeout(ctx,
		time.Duration(req.TimeoutMs)*time.Millisecond+dispatchOverhead)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(dispatchCtx, http.MethodPost,
		baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, &HostError{Class: FailureDispatch, Detail: "building execute request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &HostError{Class: FailureDispatch, Detail: "execute round trip failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, &HostError{Class: FailureDispatch, Detail: "reading execute response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HostError{
			Class:  FailureDispatch,
			Detail: fmt.Sprintf("backend answered %d: %s", resp.StatusCode, truncate(string(body), 512)),
		}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &HostError{Class: FailureDispatch, Detail: "decoding execute response", Err: err}
	}
	result.ExecutionID = execID
	result.Duration = time.Since(start)

	s.logger.Info("execution completed",
		slog.String("instance", req.InstanceID),
		slog.String("execution_id", execID),
		slog.Bool("success", result.Success),
		slog.Duration("duration", result.Duration),
		slog.Int("mcp_calls", result.Metrics.MCPCallsMade),
	)
	return &result, nil
}

// executionID derives a stable identifier from the instance and the
// module text, so repeated execution of identical code is recognizable.
func executionID(instanceID, module string) string {
	sum := sha256.Sum256([]byte(instanceID + "\x00" + module))
	return hex.EncodeToString(sum[:])[:16]
}

func classifyExit(waitErr error, combined string) *HostError {
	detail := truncate(strings.TrimSpace(combined), 1024)
	for _, m := range buildMarkers {
		if strings.Contains(combined, m) {
			return &HostError{Class: FailureBuild, Detail: detail}
		}
	}
	for _, m := range capabilityMarkers {
		if strings.Contains(combined, m) {
			return &HostError{Class: FailureCapability, Detail: detail}
		}
	}
	return &HostError{Class: FailureExit, Detail: detail, Err: waitErr}
}

func hasReadyLine(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range readyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func reservePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// renderCommand substitutes the {port} placeholder; if the template
// never mentions it, the port is appended as a flag.
func renderCommand(template []string, port int) []string {
	portStr := strconv.Itoa(port)
	argv := make([]string, len(template))
	substituted := false
	for i, arg := range template {
		if strings.Contains(arg, "{port}") {
			substituted = true
		}
		argv[i] = strings.ReplaceAll(arg, "{port}", portStr)
	}
	if !substituted {
		argv = append(argv, "--port", portStr)
	}
	return argv
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}

// captureBuffer is a concurrency-safe, size-capped output sink. Excess
// data is silently discarded.
type captureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
}

func newCaptureBuffer(limit int) *captureBuffer {
	return &captureBuffer{remaining: limit}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > c.remaining {
		p = p[:c.remaining]
	}
	written, err := c.buf.Write(p)
	c.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
