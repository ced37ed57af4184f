package server

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/Bigsy/promptbridge/internal/backend"
)

// Tool is a tool in the MCP tools/list shape.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is the JSON Schema object describing a tool's arguments.
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// PropertySchema describes a single argument.
type PropertySchema struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toMCPTool maps a backend descriptor into the MCP tool schema. Required
// names are sorted so identical descriptors always render identically.
func toMCPTool(d backend.ToolDescriptor) Tool {
	schema := InputSchema{
		Type:       "object",
		Properties: make(map[string]PropertySchema, len(d.Parameters)),
		Required:   []string{},
	}
	for name, p := range d.Parameters {
		schema.Properties[name] = PropertySchema{
			Type:        p.Type,
			Description: p.Description,
		}
		if p.Required {
			schema.Required = append(schema.Required, name)
		}
	}
	sort.Strings(schema.Required)

	return Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}
}

func toMCPTools(descriptors []backend.ToolDescriptor) []Tool {
	tools := make([]Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, toMCPTool(d))
	}
	return tools
}

// renderText turns a backend result into display text: strings pass
// through unquoted, anything else is indented JSON.
func renderText(result json.RawMessage) string {
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		return string(result)
	}
	return out.String()
}

// textResult wraps text as a single-block tools/call result.
func textResult(text string) toolsCallResult {
	return toolsCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}
