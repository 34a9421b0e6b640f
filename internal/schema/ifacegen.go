package schema

import (
	"fmt"
	"strings"
)

// InterfaceText renders a compact TypeScript-flavored description of the
// server's callable surface. It is generated once per schema fetch,
// cached alongside the descriptors, and returned on load so an agent can
// write code against tool signatures without a second round trip.
func InterfaceText(serverName string, tools []ToolDescriptor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// Tools exposed by %q. Call them as mcp.<name>(input).\n", serverName)
	for _, t := range tools {
		if t.Description != "" {
			fmt.Fprintf(&sb, "// %s\n", strings.ReplaceAll(t.Description, "\n", "\n// "))
		}
		fmt.Fprintf(&sb, "async function %s(input: %s): Promise<any>\n", t.Name, renderInput(t.InputSchema))
	}
	return sb.String()
}

func renderInput(s InputSchema) string {
	if len(s.Properties) == 0 {
		return "{}"
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	// Stable order: required fields first, each group alphabetical.
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sortFields(names, required)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		p := s.Properties[name]
		opt := "?"
		if required[name] {
			opt = ""
		}
		typ := p.Type
		if typ == "" {
			typ = "any"
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", name, opt, typ))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sortFields(names []string, required map[string]bool) {
	less := func(a, b string) bool {
		if required[a] != required[b] {
			return required[a]
		}
		return a < b
	}
	// Insertion sort; property counts are small.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && less(names[j], names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}
