// Package upstream connects to one external MCP server (subprocess or
// streamable HTTP), discovers its callable surface, and retains the live
// session so tool calls can be proxied through the RPC bridge later.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/procutil"
	"github.com/jkaninda/mcpbox/internal/schema"
)

// ConnectionError wraps any failure to reach or handshake with an
// upstream server. It carries the server name for caller remediation.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to MCP server %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connector is one live upstream session.
type Connector struct {
	name       string
	client     mcpclient.MCPClient
	terminator *procutil.Terminator
	logger     *slog.Logger
	pid        int // 0 for network-mode servers or when the transport hides its process.
}

// Connect establishes a session to one MCP server and performs the
// initialization handshake. Subprocess pids are registered with the
// terminator so unload can reap the whole tree.
func Connect(ctx context.Context, name string, cfg config.ServerConfig, term *procutil.Terminator, logger *slog.Logger) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConnectionError{Server: name, Err: err}
	}

	c := &Connector{name: name, terminator: term, logger: logger}

	cli, child, err := createClient(cfg)
	if err != nil {
		return nil, &ConnectionError{Server: name, Err: err}
	}
	c.client = cli

	if child != nil && child.Process != nil {
		c.pid = child.Process.Pid
		term.Track(c.pid, "upstream:"+name)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpbox",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, &ConnectionError{Server: name, Err: fmt.Errorf("initialize handshake: %w", err)}
	}

	logger.Info("upstream connected",
		slog.String("server", name),
		slog.Bool("subprocess", cfg.Subprocess()),
		slog.Int("pid", c.pid),
	)
	return c, nil
}

// createClient builds the MCP client for the configured connection mode.
// Subprocess mode supplies its own command factory so the child carries
// the process-group attrs tree-kill relies on and the started exec.Cmd
// stays visible for pid tracking.
func createClient(cfg config.ServerConfig) (mcpclient.MCPClient, *exec.Cmd, error) {
	if cfg.Subprocess() {
		var child *exec.Cmd
		cli, err := mcpclient.NewStdioMCPClientWithOptions(
			cfg.Command,
			expandEnvMap(cfg.Env),
			cfg.Args,
			transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = append(os.Environ(), env...)
				procutil.SetSysProcAttr(cmd)
				child = cmd
				return cmd, nil
			}),
		)
		if err != nil {
			return nil, nil, err
		}
		return cli, child, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
	}
	cli, err := mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cli, nil, nil
}

// Name returns the server name this connector is bound to.
func (c *Connector) Name() string { return c.name }

// PID returns the upstream subprocess pid, or 0 when there is none.
func (c *Connector) PID() int { return c.pid }

// ListTools fetches and normalizes the server's tool descriptors.
func (c *Connector) ListTools(ctx context.Context) ([]schema.ToolDescriptor, error) {
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &ConnectionError{Server: c.name, Err: fmt.Errorf("listing tools: %w", err)}
	}

	tools := make([]schema.ToolDescriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, schema.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}
	return tools, nil
}

// ListPrompts fetches the server's prompt templates. Prompts are
// optional: servers that error here yield an empty list, never a failed
// load.
func (c *Connector) ListPrompts(ctx context.Context) []schema.PromptDescriptor {
	resp, err := c.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		c.logger.Debug("upstream prompts unavailable",
			slog.String("server", c.name),
			slog.String("error", err.Error()),
		)
		return nil
	}

	prompts := make([]schema.PromptDescriptor, 0, len(resp.Prompts))
	for _, p := range resp.Prompts {
		args := make([]schema.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, schema.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		prompts = append(prompts, schema.PromptDescriptor{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		})
	}
	return prompts
}

// Call proxies one tool invocation to the live upstream session.
func (c *Connector) Call(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args

	result, err := c.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s/%s failed: %w", c.name, tool, err)
	}
	return result, nil
}

// Close shuts down the session and reaps the subprocess tree if any.
func (c *Connector) Close() error {
	err := c.client.Close()
	if c.pid > 0 {
		if termErr := c.terminator.Terminate(c.pid); termErr != nil {
			c.logger.Warn("upstream subprocess teardown failed",
				slog.String("server", c.name),
				slog.Int("pid", c.pid),
				slog.String("error", termErr.Error()),
			)
		}
		c.pid = 0
	}
	return err
}

// convertInputSchema normalizes the MCP ToolInputSchema. Unknown or
// absent fields default to permissive types so a sparsely-described
// server still yields callable stubs.
func convertInputSchema(in mcp.ToolInputSchema) schema.InputSchema {
	out := schema.InputSchema{
		Type:       in.Type,
		Properties: map[string]schema.Property{},
	}
	if out.Type == "" {
		out.Type = "object"
	}
	for name, raw := range in.Properties {
		prop := schema.Property{Type: "any"}
		if m, ok := raw.(map[string]any); ok {
			if t, ok := m["type"].(string); ok && t != "" {
				prop.Type = t
			}
			if d, ok := m["description"].(string); ok {
				prop.Description = d
			}
			if d, exists := m["default"]; exists {
				prop.Default = d
			}
		}
		out.Properties[name] = prop
	}
	if len(in.Required) > 0 {
		out.Required = append([]string(nil), in.Required...)
	}
	return out
}

// expandEnvMap converts a map of key->value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
