package mcptest

import (
	"fmt"
	"time"

	"github.com/Bigsy/promptbridge/internal/backend"
)

// Common test configurations for the fake backend.

// DefaultConfig returns a backend exposing two prompt tools.
func DefaultConfig() BackendConfig {
	return BackendConfig{
		Tools: []backend.ToolDescriptor{
			{
				Name:        "get_categories",
				Description: "List prompt categories",
				Parameters:  map[string]backend.ParameterSpec{},
			},
			{
				Name:        "search_prompts",
				Description: "Search the prompt catalog",
				Parameters: map[string]backend.ParameterSpec{
					"query": {Type: "string", Description: "Search text", Required: true},
					"limit": {Type: "number", Description: "Maximum results"},
				},
			},
		},
	}
}

// EmptyToolsConfig returns a backend with no tools.
func EmptyToolsConfig() BackendConfig {
	return BackendConfig{Tools: []backend.ToolDescriptor{}}
}

// LargeToolListConfig returns a backend with count tools.
func LargeToolListConfig(count int) BackendConfig {
	tools := make([]backend.ToolDescriptor, count)
	for i := range count {
		tools[i] = backend.ToolDescriptor{
			Name:        fmt.Sprintf("prompt_%03d", i),
			Description: "A generated prompt tool",
			Parameters: map[string]backend.ParameterSpec{
				"input": {Type: "string", Required: i%2 == 0},
			},
		}
	}
	return BackendConfig{Tools: tools}
}

// SlowToolConfig returns a backend whose named tool answers after delay.
func SlowToolConfig(name string, delay time.Duration) BackendConfig {
	cfg := DefaultConfig()
	cfg.Tools = append(cfg.Tools, backend.ToolDescriptor{Name: name, Description: "Slow tool"})
	cfg.Delays = map[string]time.Duration{name: delay}
	return cfg
}

// FailingToolConfig returns a backend whose named tool always answers with a JSON-RPC error.
func FailingToolConfig(name string, code int, message string) BackendConfig {
	cfg := DefaultConfig()
	cfg.Tools = append(cfg.Tools, backend.ToolDescriptor{Name: name, Description: "Broken tool"})
	cfg.Errors = map[string]backend.RemoteError{name: {Code: code, Message: message}}
	return cfg
}
