// Package schema holds the normalized view of an upstream MCP server:
// tool and prompt descriptors, the configuration fingerprint used for
// cache validity, and the generated interface text shown to agents.
package schema

// ToolDescriptor is one callable operation, normalized from the MCP
// tool definition. Immutable once fetched.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is the typed object describing a tool's arguments.
// Unknown or absent JSON-schema fields default to permissive types.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single input field.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// PromptDescriptor is one prompt template exposed by an upstream server.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is a named prompt template parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolNames returns the tool names in declaration order.
func ToolNames(tools []ToolDescriptor) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// PromptNames returns the prompt names in declaration order.
func PromptNames(prompts []PromptDescriptor) []string {
	names := make([]string, len(prompts))
	for i, p := range prompts {
		names[i] = p.Name
	}
	return names
}
