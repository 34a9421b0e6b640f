// Package orchestrator is the coordination façade: it owns the instance
// registry, the two-tier schema cache, the loopback RPC bridge, the
// isolation host supervisor, and the process-tree terminator, with an
// explicit New/Shutdown lifecycle so multiple orchestrators can coexist
// in tests.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mcpbox/internal/bridge"
	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/observability"
	"github.com/jkaninda/mcpbox/internal/procutil"
	"github.com/jkaninda/mcpbox/internal/registry"
	"github.com/jkaninda/mcpbox/internal/sandbox"
	"github.com/jkaninda/mcpbox/internal/schema"
	"github.com/jkaninda/mcpbox/internal/schemacache"
	"github.com/jkaninda/mcpbox/internal/synth"
	"github.com/jkaninda/mcpbox/internal/upstream"
)

const (
	defaultTimeoutMs = 30000
	maxTimeoutMs     = 60000
)

// Session is the upstream capability the orchestrator needs per
// instance. *upstream.Connector satisfies it.
type Session interface {
	registry.Session
	ListTools(ctx context.Context) ([]schema.ToolDescriptor, error)
	ListPrompts(ctx context.Context) []schema.PromptDescriptor
}

// ConnectFunc establishes an upstream session. Swappable in tests.
type ConnectFunc func(ctx context.Context, name string, cfg config.ServerConfig) (Session, error)

// Executor dispatches a synthesized module to an isolation host.
// *sandbox.Supervisor satisfies it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
	Unavailable() bool
}

// ExecutionResult is the caller-facing outcome of one execution.
// Failures of every non-structural kind land here with Success false,
// never as a Go error.
type ExecutionResult struct {
	Success     bool            `json:"success"`
	Output      string          `json:"output"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   Kind            `json:"error_kind,omitempty"`
	Stack       string          `json:"stack,omitempty"`
	Metrics     sandbox.Metrics `json:"metrics"`
	ExecutionID string          `json:"execution_id,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// Orchestrator wires the core components together.
type Orchestrator struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	cache    *schemacache.Cache
	bridge   *bridge.Bridge
	executor Executor
	term     *procutil.Terminator
	obs      *observability.Observability
	connect  ConnectFunc
	tracer   trace.Tracer
}

// New builds an orchestrator and starts its loopback bridge. The store
// may be nil for a memory-only schema cache; obs may be nil.
func New(cfg *config.Config, store schemacache.Store, obs *observability.Observability, logger *slog.Logger) (*Orchestrator, error) {
	term := procutil.NewTerminator(logger)
	reg := registry.New(logger)

	cache, err := schemacache.New(cfg.Cache.MemoryEntries(), store, logger)
	if err != nil {
		return nil, wrapError(KindInternal, err, "creating schema cache")
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "orchestrator")),
		registry: reg,
		cache:    cache,
		term:     term,
		obs:      obs,
		tracer:   obs.TracerOrNil().Tracer(),
	}
	o.connect = func(ctx context.Context, name string, serverCfg config.ServerConfig) (Session, error) {
		return upstream.Connect(ctx, name, serverCfg, term, logger)
	}
	o.executor = sandbox.NewSupervisor(cfg.Sandbox, term, logger)

	o.bridge = bridge.New(reg, o.observeBridgeCall, logger)
	if err := o.bridge.Start(); err != nil {
		return nil, wrapError(KindInternal, err, "starting rpc bridge")
	}
	return o, nil
}

// SetConnect replaces the upstream connect function, for tests.
func (o *Orchestrator) SetConnect(fn ConnectFunc) { o.connect = fn }

// SetExecutor replaces the isolation host executor, for tests.
func (o *Orchestrator) SetExecutor(ex Executor) { o.executor = ex }

// BridgeAddr returns the loopback address of the RPC bridge.
func (o *Orchestrator) BridgeAddr() string { return o.bridge.Addr() }

// BackendUnavailable reports whether the isolation backend latch is set.
func (o *Orchestrator) BackendUnavailable() bool { return o.executor.Unavailable() }

// Shutdown tears down every instance, the bridge, and any tracked
// subprocesses.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.registry.RemoveAll()
	if err := o.bridge.Shutdown(ctx); err != nil {
		o.logger.Warn("bridge shutdown failed", slog.Any("error", err))
	}
	o.term.TerminateAll()
	if err := o.cache.Close(); err != nil {
		o.logger.Warn("cache close failed", slog.Any("error", err))
	}
}

// Load connects to a server, resolves its schema (cache first), and
// registers an instance. A failure leaves no instance registered. A
// previously loaded instance with the same name is replaced.
func (o *Orchestrator) Load(ctx context.Context, name string, serverCfg config.ServerConfig) (*registry.Instance, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.load",
		trace.WithAttributes(attribute.String("server", name)))
	defer span.End()

	if name == "" {
		return nil, newError(KindValidation, "server name is required")
	}
	if err := serverCfg.Validate(); err != nil {
		return nil, wrapError(KindValidation, err, "invalid configuration for %s", name)
	}

	fingerprint, err := schema.Fingerprint(name, serverCfg)
	if err != nil {
		return nil, wrapError(KindInternal, err, "fingerprinting %s", name)
	}

	entry, cached := o.cache.Get(ctx, name, fingerprint)
	o.recordCacheLookup(cached)

	// The live session is established even on a cache hit: executions
	// need it for bridge proxying. Only the schema round trip is saved.
	conn, err := o.connect(ctx, name, serverCfg)
	if err != nil {
		o.recordLoad(name, "error")
		return nil, wrapError(KindConnection, err, "connecting to %s", name)
	}

	if entry == nil {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				o.logger.Warn("closing session after failed load",
					slog.String("server", name), slog.Any("error", closeErr))
			}
			o.recordLoad(name, "error")
			return nil, wrapError(KindConnection, err, "listing tools of %s", name)
		}
		entry = &schemacache.Entry{
			Tools:         tools,
			Prompts:       conn.ListPrompts(ctx),
			InterfaceText: schema.InterfaceText(name, tools),
			Fingerprint:   fingerprint,
			CachedAt:      time.Now().UTC(),
		}
		o.cache.Put(ctx, name, entry)
	}

	// Replace is one registry critical section: concurrent loads of the
	// same name cannot both survive, and the loser's session is closed.
	inst := o.registry.Replace(name, conn, entry.Tools, entry.Prompts, entry.InterfaceText, fingerprint)
	o.recordLoad(name, "success")
	o.syncInstanceGauge()

	span.SetAttributes(
		attribute.Bool("cache_hit", cached),
		attribute.Int("tools", len(inst.Tools)),
	)
	return inst, nil
}

// Execute synthesizes the sandbox module for the instance and runs it
// in a fresh isolation host. Only structural misuse (unknown instance,
// invalid input) comes back as a Go error; everything else is an
// ExecutionResult.
func (o *Orchestrator) Execute(ctx context.Context, instanceID, code string, timeoutMs int) (*ExecutionResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("instance", instanceID)))
	defer span.End()

	if instanceID == "" {
		return nil, newError(KindValidation, "instance id is required")
	}
	if strings.TrimSpace(code) == "" {
		return nil, newError(KindValidation, "code is required")
	}
	if timeoutMs < 0 {
		return nil, newError(KindValidation, "timeout must not be negative")
	}
	if timeoutMs == 0 {
		timeoutMs = defaultTimeoutMs
	}
	if timeoutMs > maxTimeoutMs {
		timeoutMs = maxTimeoutMs
	}

	inst, ok := o.registry.Get(instanceID)
	if !ok {
		return nil, newError(KindNotFound, "instance %s not loaded", instanceID)
	}

	module := synth.Module(synth.Params{
		InstanceID: inst.ID,
		BridgeAddr: o.bridge.Addr(),
		Tools:      inst.Tools,
		Code:       code,
		Policy:     o.cfg.Guard.Policy(),
		TimeoutMs:  timeoutMs,
		MaxCalls:   o.cfg.Guard.MaxCalls,
	})

	start := time.Now()
	hostResult, err := o.executor.Execute(ctx, sandbox.Request{
		InstanceID: inst.ID,
		Module:     module,
		TimeoutMs:  timeoutMs,
	})
	if err != nil {
		result := o.hostFailure(err, time.Since(start))
		o.recordExecution(string(result.ErrorKind), time.Since(start))
		return result, nil
	}

	result := &ExecutionResult{
		Success:     hostResult.Success,
		Output:      hostResult.Output,
		Result:      hostResult.Result,
		Error:       hostResult.Error,
		Stack:       hostResult.Stack,
		Metrics:     hostResult.Metrics,
		ExecutionID: hostResult.ExecutionID,
		DurationMs:  hostResult.Duration.Milliseconds(),
	}
	status := "success"
	if !result.Success {
		result.ErrorKind = classifyModuleFailure(hostResult.Error)
		status = string(result.ErrorKind)
	}
	o.recordExecution(status, time.Since(start))
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Int("mcp_calls", result.Metrics.MCPCallsMade),
	)
	return result, nil
}

// Unload removes an instance. A second unload of the same id fails
// with a not-found error so callers can detect double-unload bugs.
func (o *Orchestrator) Unload(instanceID string) error {
	if err := o.registry.Remove(instanceID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return newError(KindNotFound, "instance %s not loaded", instanceID)
		}
		return wrapError(KindInternal, err, "removing instance %s", instanceID)
	}
	o.syncInstanceGauge()
	return nil
}

// List returns all loaded instances.
func (o *Orchestrator) List() []*registry.Instance {
	return o.registry.List()
}

// Get looks up a loaded instance by id.
func (o *Orchestrator) Get(instanceID string) (*registry.Instance, error) {
	inst, ok := o.registry.Get(instanceID)
	if !ok {
		return nil, newError(KindNotFound, "instance %s not loaded", instanceID)
	}
	return inst, nil
}

// Discover fetches a server's tool list without registering anything.
// Advisory: a fetch failure yields an empty list, not an error. Load
// is a commitment, discovery is not.
func (o *Orchestrator) Discover(ctx context.Context, name string, serverCfg config.ServerConfig) []schema.ToolDescriptor {
	if err := serverCfg.Validate(); err != nil {
		o.logger.Debug("discovery skipped invalid configuration",
			slog.String("server", name), slog.Any("error", err))
		return nil
	}

	conn, err := o.connect(ctx, name, serverCfg)
	if err != nil {
		o.logger.Debug("discovery connect failed",
			slog.String("server", name), slog.Any("error", err))
		return nil
	}
	defer func() {
		if err := conn.Close(); err != nil {
			o.logger.Debug("discovery session close failed",
				slog.String("server", name), slog.Any("error", err))
		}
	}()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		o.logger.Debug("discovery tool listing failed",
			slog.String("server", name), slog.Any("error", err))
		return nil
	}
	return tools
}

// InvalidateSchema purges every cached fingerprint for the server.
func (o *Orchestrator) InvalidateSchema(ctx context.Context, name string) int {
	return o.cache.Invalidate(ctx, name)
}

// SweepSchemas evicts cached schema entries older than ttl from both
// cache tiers. Returns how many persistent rows were removed.
func (o *Orchestrator) SweepSchemas(ctx context.Context, ttl time.Duration) int {
	return o.cache.Sweep(ctx, ttl)
}

// hostFailure converts a supervision error into a well-formed result.
// Failed runs still report wall time so callers see how long the host
// spent before giving up.
func (o *Orchestrator) hostFailure(err error, elapsed time.Duration) *ExecutionResult {
	kind := KindInternal
	var hostErr *sandbox.HostError
	if errors.As(err, &hostErr) {
		switch hostErr.Class {
		case sandbox.FailureUnavailable:
			kind = KindBackendUnavailable
		case sandbox.FailureBuild:
			kind = KindBuild
		case sandbox.FailureReadiness:
			kind = KindTimeout
		}
	}
	return &ExecutionResult{
		Success:    false,
		Error:      err.Error(),
		ErrorKind:  kind,
		DurationMs: elapsed.Milliseconds(),
	}
}

// classifyModuleFailure tells a timeout reported by the synthesized
// module apart from a user code exception.
func classifyModuleFailure(message string) Kind {
	if strings.Contains(message, "timed out after") {
		return KindTimeout
	}
	return KindRuntime
}

func (o *Orchestrator) observeBridgeCall(tool string, success bool) {
	m := o.obs.MetricsOrNil()
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BridgeCallsTotal.WithLabelValues(tool, status).Inc()
}

func (o *Orchestrator) recordLoad(server, status string) {
	if m := o.obs.MetricsOrNil(); m != nil {
		m.InstanceLoadsTotal.WithLabelValues(server, status).Inc()
	}
}

func (o *Orchestrator) recordCacheLookup(hit bool) {
	m := o.obs.MetricsOrNil()
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SchemaCacheLookupsTotal.WithLabelValues(result).Inc()
}

func (o *Orchestrator) recordExecution(status string, duration time.Duration) {
	m := o.obs.MetricsOrNil()
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

func (o *Orchestrator) syncInstanceGauge() {
	if m := o.obs.MetricsOrNil(); m != nil {
		m.ActiveInstances.Set(float64(len(o.registry.List())))
	}
}
