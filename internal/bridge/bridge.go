// Package bridge runs the loopback RPC server that lets code inside an
// isolation host reach a live upstream MCP session. It binds an
// ephemeral 127.0.0.1 port once per process and is shared by every
// instance; the wire contract is a single POST endpoint carrying
// {instanceId, toolName, input} and answering {success, result} or
// {success:false, error, stack}. Upstream failures never escape as
// transport errors, the host's round trip always completes.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Caller is the upstream call capability attached to a live instance.
type Caller interface {
	Call(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// SessionResolver maps an instance id to its live upstream session.
// A miss is expected when an instance was unloaded mid-execution.
type SessionResolver interface {
	Session(instanceID string) (Caller, bool)
}

// CallObserver is notified after each proxied call, for metrics.
type CallObserver func(tool string, success bool)

type callRequest struct {
	InstanceID string         `json:"instanceId"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input"`
}

type callResponse struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Bridge is the loopback RPC server.
type Bridge struct {
	resolver SessionResolver
	observer CallObserver
	logger   *slog.Logger

	listener net.Listener
	server   *http.Server
	addr     string
}

// New creates a Bridge. The observer may be nil.
func New(resolver SessionResolver, observer CallObserver, logger *slog.Logger) *Bridge {
	return &Bridge{
		resolver: resolver,
		observer: observer,
		logger:   logger.With(slog.String("component", "bridge")),
	}
}

// Start binds an ephemeral loopback port and begins serving. The bridge
// must never listen on a non-loopback interface.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding bridge listener: %w", err)
	}
	b.listener = ln
	b.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/call", b.handleCall)
	b.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("bridge server stopped", slog.Any("error", err))
		}
	}()

	b.logger.Info("bridge listening", slog.String("addr", b.addr))
	return nil
}

// Addr returns the bound loopback address, e.g. "127.0.0.1:49213".
func (b *Bridge) Addr() string { return b.addr }

// Shutdown stops the server, waiting for in-flight calls.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

func (b *Bridge) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResponse(w, http.StatusMethodNotAllowed, callResponse{
			Success: false,
			Error:   "method not allowed",
		})
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, callResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid bridge request: %v", err),
		})
		return
	}
	if req.InstanceID == "" || req.ToolName == "" {
		writeResponse(w, http.StatusBadRequest, callResponse{
			Success: false,
			Error:   "instanceId and toolName are required",
		})
		return
	}

	session, ok := b.resolver.Session(req.InstanceID)
	if !ok {
		// The instance was unloaded while an execution was in flight.
		writeResponse(w, http.StatusNotFound, callResponse{
			Success: false,
			Error:   fmt.Sprintf("no active session for instance %s", req.InstanceID),
		})
		return
	}

	result, err := session.Call(r.Context(), req.ToolName, req.Input)
	if err != nil {
		b.observe(req.ToolName, false)
		b.logger.Warn("upstream call failed",
			slog.String("instance", req.InstanceID),
			slog.String("tool", req.ToolName),
			slog.Any("error", err))
		writeResponse(w, http.StatusOK, callResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	normalized, callErr := normalizeResult(result)
	if callErr != "" {
		b.observe(req.ToolName, false)
		writeResponse(w, http.StatusOK, callResponse{
			Success: false,
			Error:   callErr,
		})
		return
	}

	b.observe(req.ToolName, true)
	writeResponse(w, http.StatusOK, callResponse{
		Success: true,
		Result:  normalized,
	})
}

func (b *Bridge) observe(tool string, success bool) {
	if b.observer != nil {
		b.observer(tool, success)
	}
}

// normalizeResult unwraps a tool call result for consumption by guest
// code. A single textual content item that looks like JSON is parsed;
// multi-part content passes through structurally.
func normalizeResult(result *mcp.CallToolResult) (any, string) {
	if result == nil {
		return nil, ""
	}
	if result.IsError {
		return nil, contentText(result.Content)
	}
	if len(result.Content) == 1 {
		if text, ok := mcp.AsTextContent(result.Content[0]); ok {
			return parseMaybeJSON(text.Text), ""
		}
	}
	return result.Content, ""
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "tool call failed"
	}
	return strings.Join(parts, "\n")
}

func parseMaybeJSON(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

func writeResponse(w http.ResponseWriter, status int, resp callResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
