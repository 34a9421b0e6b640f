package upstream

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/procutil"
)

func TestCreateClient_SubprocessPidVisible(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	cli, child, err := createClient(config.ServerConfig{Command: "cat"})
	if err != nil {
		t.Fatalf("createClient: %v", err)
	}

	if child == nil || child.Process == nil {
		t.Fatal("stdio client must expose its started child process")
	}
	if child.Process.Pid <= 0 {
		t.Fatalf("pid = %d, want > 0", child.Process.Pid)
	}

	// The pid must be usable for tree-kill, exactly as Connect wires it.
	term := procutil.NewTerminator(slog.New(slog.NewTextHandler(io.Discard, nil)))
	term.Track(child.Process.Pid, "upstream:test")
	if term.Tracked() != 1 {
		t.Fatalf("tracked = %d, want 1", term.Tracked())
	}
	if err := term.Terminate(child.Process.Pid); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if term.Tracked() != 0 {
		t.Fatalf("tracked after terminate = %d, want 0", term.Tracked())
	}
	_ = cli.Close()
}

func TestCreateClient_NetworkModeHasNoChild(t *testing.T) {
	cli, child, err := createClient(config.ServerConfig{URL: "http://127.0.0.1:19999/mcp"})
	if err != nil {
		t.Fatalf("createClient: %v", err)
	}
	defer cli.Close()

	if child != nil {
		t.Fatal("network transport must not report a child process")
	}
}

func TestConvertInputSchema_EmptyToolSchema(t *testing.T) {
	// A tool with no declared inputs still gets a callable object schema.
	got := convertInputSchema(mcp.ToolInputSchema{})
	if got.Type != "object" {
		t.Errorf("type = %q, want object", got.Type)
	}
	if got.Properties == nil || len(got.Properties) != 0 {
		t.Errorf("properties = %v, want empty map", got.Properties)
	}
	if got.Required != nil {
		t.Errorf("required = %v, want nil", got.Required)
	}
}

func TestConvertInputSchema_PermissiveDefaults(t *testing.T) {
	got := convertInputSchema(mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"title": map[string]any{"type": "string", "description": "Issue title"},
			"count": map[string]any{"type": "number", "default": float64(1)},
			"blob":  map[string]any{}, // No declared type.
			"weird": "not-an-object",  // Malformed property definition.
		},
		Required: []string{"title"},
	})

	if got.Properties["title"].Type != "string" || got.Properties["title"].Description != "Issue title" {
		t.Errorf("title = %+v", got.Properties["title"])
	}
	if got.Properties["count"].Default != float64(1) {
		t.Errorf("count default = %v", got.Properties["count"].Default)
	}
	if got.Properties["blob"].Type != "any" {
		t.Errorf("untyped property = %q, want any", got.Properties["blob"].Type)
	}
	if got.Properties["weird"].Type != "any" {
		t.Errorf("malformed property = %q, want any", got.Properties["weird"].Type)
	}
	if len(got.Required) != 1 || got.Required[0] != "title" {
		t.Errorf("required = %v", got.Required)
	}
}

func TestConnectionError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ConnectionError{Server: "github", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("ConnectionError must unwrap to its cause")
	}
	var ce *ConnectionError
	if !errors.As(error(err), &ce) || ce.Server != "github" {
		t.Errorf("errors.As failed or server lost: %v", err)
	}
}

func TestExpandEnvMap(t *testing.T) {
	t.Setenv("MCPBOX_TEST_TOKEN", "sekret")
	env := expandEnvMap(map[string]string{"TOKEN": "$MCPBOX_TEST_TOKEN"})
	if len(env) != 1 || env[0] != "TOKEN=sekret" {
		t.Errorf("env = %v", env)
	}
}
