package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/sandbox"
	"github.com/jkaninda/mcpbox/internal/schema"
)

type fakeSession struct {
	tools     []schema.ToolDescriptor
	listErr   error
	listCalls int
	closed    bool
}

func (f *fakeSession) ListTools(_ context.Context) ([]schema.ToolDescriptor, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeSession) ListPrompts(_ context.Context) []schema.PromptDescriptor { return nil }

func (f *fakeSession) Call(_ context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeExecutor struct {
	result      *sandbox.Result
	err         error
	delay       time.Duration
	unavailable bool
	requests    []sandbox.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.requests = append(f.requests, req)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) Unavailable() bool { return f.unavailable }

func testConfig() *config.Config {
	return &config.Config{
		Cache: config.CacheConfig{MemorySize: 16},
	}
}

func newTestOrchestrator(t *testing.T, session *fakeSession) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(testConfig(), nil, nil, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	o.SetConnect(func(_ context.Context, _ string, _ config.ServerConfig) (Session, error) {
		return session, nil
	})
	return o
}

func stdioConfig() config.ServerConfig {
	return config.ServerConfig{Command: "echo-mcp-server"}
}

func TestLoad_RegistersInstance(t *testing.T) {
	session := &fakeSession{tools: []schema.ToolDescriptor{{Name: "ping"}}}
	o := newTestOrchestrator(t, session)

	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.Name != "echo" || inst.Status != "ready" {
		t.Errorf("instance = %+v", inst)
	}
	if len(inst.Tools) != 1 || inst.Tools[0].Name != "ping" {
		t.Errorf("tools = %+v", inst.Tools)
	}
	if inst.InterfaceText == "" {
		t.Error("interface text not generated")
	}
	if inst.Fingerprint == "" {
		t.Error("fingerprint not recorded")
	}
	if len(o.List()) != 1 {
		t.Errorf("list = %d instances", len(o.List()))
	}
}

func TestLoad_CacheHitSkipsSchemaFetch(t *testing.T) {
	session := &fakeSession{tools: []schema.ToolDescriptor{{Name: "ping"}}}
	o := newTestOrchestrator(t, session)

	first, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	if session.listCalls != 1 {
		t.Errorf("listTools called %d times, cache hit must skip the fetch", session.listCalls)
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "ping" {
		t.Errorf("cached tools = %+v", second.Tools)
	}
	// Same name replaces: one live instance, fresh id.
	if len(o.List()) != 1 {
		t.Errorf("list = %d instances after reload", len(o.List()))
	}
	if first.ID == second.ID {
		t.Error("reload must create a fresh instance id")
	}
}

func TestLoad_ChangedConfigRefetches(t *testing.T) {
	session := &fakeSession{tools: []schema.ToolDescriptor{{Name: "ping"}}}
	o := newTestOrchestrator(t, session)

	if _, err := o.Load(context.Background(), "echo", stdioConfig()); err != nil {
		t.Fatalf("load: %v", err)
	}
	changed := stdioConfig()
	changed.Args = []string{"--verbose"}
	if _, err := o.Load(context.Background(), "echo", changed); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if session.listCalls != 2 {
		t.Errorf("listTools called %d times, changed fingerprint must refetch", session.listCalls)
	}
}

func TestLoad_ValidationRejectedBeforeConnect(t *testing.T) {
	connects := 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(testConfig(), nil, nil, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	o.SetConnect(func(_ context.Context, _ string, _ config.ServerConfig) (Session, error) {
		connects++
		return &fakeSession{}, nil
	})

	if _, err := o.Load(context.Background(), "", stdioConfig()); KindOf(err) != KindValidation {
		t.Errorf("empty name: kind = %s", KindOf(err))
	}
	dual := config.ServerConfig{Command: "cmd", URL: "http://example.com"}
	if _, err := o.Load(context.Background(), "bad", dual); KindOf(err) != KindValidation {
		t.Errorf("dual mode: kind = %s", KindOf(err))
	}
	if connects != 0 {
		t.Errorf("connect attempted %d times before validation", connects)
	}
}

func TestLoad_ConnectFailureLeavesNoInstance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(testConfig(), nil, nil, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	o.SetConnect(func(_ context.Context, _ string, _ config.ServerConfig) (Session, error) {
		return nil, errors.New("connection refused")
	})

	_, err = o.Load(context.Background(), "echo", stdioConfig())
	if KindOf(err) != KindConnection {
		t.Errorf("kind = %s, want connection_error", KindOf(err))
	}
	if len(o.List()) != 0 {
		t.Error("failed load must leave no instance registered")
	}
}

func TestLoad_SchemaFetchFailureClosesSession(t *testing.T) {
	session := &fakeSession{listErr: errors.New("listing not supported")}
	o := newTestOrchestrator(t, session)

	_, err := o.Load(context.Background(), "echo", stdioConfig())
	if KindOf(err) != KindConnection {
		t.Errorf("kind = %s, want connection_error", KindOf(err))
	}
	if !session.closed {
		t.Error("session must be torn down when the load aborts")
	}
	if len(o.List()) != 0 {
		t.Error("failed load must leave no instance registered")
	}
}

type syncedSession struct {
	closes *atomic.Int32
}

func (s *syncedSession) ListTools(_ context.Context) ([]schema.ToolDescriptor, error) {
	return []schema.ToolDescriptor{{Name: "ping"}}, nil
}

func (s *syncedSession) ListPrompts(_ context.Context) []schema.PromptDescriptor { return nil }

func (s *syncedSession) Call(_ context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ok"), nil
}

func (s *syncedSession) Close() error {
	s.closes.Add(1)
	return nil
}

func TestLoad_ConcurrentSameNameSingleSurvivor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(testConfig(), nil, nil, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })

	var closes atomic.Int32
	o.SetConnect(func(_ context.Context, _ string, _ config.ServerConfig) (Session, error) {
		return &syncedSession{closes: &closes}, nil
	})

	const n = 50
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Load(context.Background(), "echo", stdioConfig())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	live := 0
	for _, inst := range o.List() {
		if inst.Name == "echo" {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live instances named echo = %d, want exactly 1", live)
	}
	if closes.Load() != n-1 {
		t.Errorf("closed sessions = %d, want %d", closes.Load(), n-1)
	}
}

func TestExecute_StructuralMisuse(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSession{})

	if _, err := o.Execute(context.Background(), "", "return 1;", 0); KindOf(err) != KindValidation {
		t.Errorf("empty instance: kind = %s", KindOf(err))
	}
	if _, err := o.Execute(context.Background(), "some-id", "   ", 0); KindOf(err) != KindValidation {
		t.Errorf("blank code: kind = %s", KindOf(err))
	}
	if _, err := o.Execute(context.Background(), "some-id", "return 1;", -5); KindOf(err) != KindValidation {
		t.Errorf("negative timeout: kind = %s", KindOf(err))
	}
	if _, err := o.Execute(context.Background(), "unknown-id", "return 1;", 0); KindOf(err) != KindNotFound {
		t.Errorf("unknown instance: kind = %s", KindOf(err))
	}
}

func TestExecute_SuccessMapsResult(t *testing.T) {
	session := &fakeSession{tools: []schema.ToolDescriptor{{Name: "ping"}}}
	o := newTestOrchestrator(t, session)
	executor := &fakeExecutor{result: &sandbox.Result{
		Success:     true,
		Output:      "done",
		Result:      float64(2),
		Metrics:     sandbox.Metrics{MCPCallsMade: 0},
		ExecutionID: "abc123",
		Duration:    42 * time.Millisecond,
	}}
	o.SetExecutor(executor)

	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := o.Execute(context.Background(), inst.ID, "return 1+1;", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Result != float64(2) || result.Output != "done" {
		t.Errorf("result = %+v", result)
	}
	if result.ErrorKind != "" {
		t.Errorf("error kind = %q on success", result.ErrorKind)
	}

	if len(executor.requests) != 1 {
		t.Fatalf("executor called %d times", len(executor.requests))
	}
	req := executor.requests[0]
	if req.TimeoutMs != 30000 {
		t.Errorf("default timeout = %d, want 30000", req.TimeoutMs)
	}
	if !strings.Contains(req.Module, "return 1+1;") {
		t.Error("user code missing from synthesized module")
	}
	if !strings.Contains(req.Module, `__bridgeCall("ping", input)`) {
		t.Error("tool stub missing from synthesized module")
	}
	if !strings.Contains(req.Module, o.BridgeAddr()) {
		t.Error("bridge address missing from synthesized module")
	}
}

func TestExecute_TimeoutClamped(t *testing.T) {
	session := &fakeSession{}
	o := newTestOrchestrator(t, session)
	executor := &fakeExecutor{result: &sandbox.Result{Success: true}}
	o.SetExecutor(executor)

	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := o.Execute(context.Background(), inst.ID, "return 1;", 600000); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := executor.requests[0].TimeoutMs; got != 60000 {
		t.Errorf("timeout = %d, want clamped to 60000", got)
	}
}

func TestExecute_HostFailureIsAResultNotAnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"backend missing", &sandbox.HostError{Class: sandbox.FailureUnavailable, Detail: "runner not found"}, KindBackendUnavailable},
		{"build failure", &sandbox.HostError{Class: sandbox.FailureBuild, Detail: "SyntaxError"}, KindBuild},
		{"readiness timeout", &sandbox.HostError{Class: sandbox.FailureReadiness, Detail: "not ready"}, KindTimeout},
		{"dispatch failure", &sandbox.HostError{Class: sandbox.FailureDispatch, Detail: "502"}, KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrchestrator(t, &fakeSession{})
			o.SetExecutor(&fakeExecutor{err: tc.err})
			inst, err := o.Load(context.Background(), "echo", stdioConfig())
			if err != nil {
				t.Fatalf("load: %v", err)
			}

			result, err := o.Execute(context.Background(), inst.ID, "return 1;", 0)
			if err != nil {
				t.Fatalf("host failures must not surface as Go errors: %v", err)
			}
			if result.Success {
				t.Fatal("expected failure result")
			}
			if result.ErrorKind != tc.want {
				t.Errorf("kind = %s, want %s", result.ErrorKind, tc.want)
			}
			if result.Error == "" {
				t.Error("missing error detail")
			}
		})
	}
}

func TestExecute_HostFailureReportsDuration(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSession{})
	o.SetExecutor(&fakeExecutor{
		err:   &sandbox.HostError{Class: sandbox.FailureBuild, Detail: "SyntaxError"},
		delay: 20 * time.Millisecond,
	})
	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := o.Execute(context.Background(), inst.ID, "return 1;", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.DurationMs < 20 {
		t.Errorf("duration = %dms, want at least the host's wall time", result.DurationMs)
	}
}

func TestExecute_ModuleTimeoutClassified(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSession{})
	o.SetExecutor(&fakeExecutor{result: &sandbox.Result{
		Success: false,
		Error:   "execution timed out after 30000ms",
	}})
	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := o.Execute(context.Background(), inst.ID, "while(true){}", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ErrorKind != KindTimeout {
		t.Errorf("kind = %s, want timeout_error", result.ErrorKind)
	}
}

func TestExecute_UserExceptionClassifiedRuntime(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSession{})
	o.SetExecutor(&fakeExecutor{result: &sandbox.Result{
		Success: false,
		Error:   "boom",
		Stack:   "Error: boom\n  at <anonymous>",
	}})
	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := o.Execute(context.Background(), inst.ID, "throw new Error('boom');", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ErrorKind != KindRuntime {
		t.Errorf("kind = %s, want runtime_error", result.ErrorKind)
	}
	if result.Stack == "" {
		t.Error("stack must pass through")
	}
}

func TestUnload_NotFoundOnDoubleUnload(t *testing.T) {
	session := &fakeSession{}
	o := newTestOrchestrator(t, session)

	inst, err := o.Load(context.Background(), "echo", stdioConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := o.Unload(inst.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !session.closed {
		t.Error("unload must close the upstream session")
	}
	if err := o.Unload(inst.ID); KindOf(err) != KindNotFound {
		t.Errorf("double unload kind = %s, want not_found", KindOf(err))
	}
	if err := o.Unload("never-loaded"); KindOf(err) != KindNotFound {
		t.Errorf("unknown unload kind = %s, want not_found", KindOf(err))
	}
}

func TestDiscover_AdvisoryEmptyOnFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(testConfig(), nil, nil, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	o.SetConnect(func(_ context.Context, _ string, _ config.ServerConfig) (Session, error) {
		return nil, errors.New("connection refused")
	})

	tools := o.Discover(context.Background(), "echo", stdioConfig())
	if len(tools) != 0 {
		t.Errorf("discovery must be advisory, got %d tools", len(tools))
	}
}

func TestDiscover_ReturnsToolsAndCloses(t *testing.T) {
	session := &fakeSession{tools: []schema.ToolDescriptor{{Name: "ping"}}}
	o := newTestOrchestrator(t, session)

	tools := o.Discover(context.Background(), "echo", stdioConfig())
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Errorf("tools = %+v", tools)
	}
	if !session.closed {
		t.Error("discovery must not leave a session open")
	}
}
