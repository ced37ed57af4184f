// Package backend is the HTTP client for the remote prompt-serving backend.
package backend

import (
	"encoding/json"
	"fmt"
)

// ParameterSpec describes one parameter of a backend tool.
type ParameterSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDescriptor is the backend-supplied metadata for one invokable tool.
type ToolDescriptor struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Parameters  map[string]ParameterSpec `json:"parameters,omitempty"`
}

// UnmarshalJSON accepts "parameterSchema" as an alias for "parameters".
func (d *ToolDescriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name            string                   `json:"name"`
		Description     string                   `json:"description"`
		Parameters      map[string]ParameterSpec `json:"parameters"`
		ParameterSchema map[string]ParameterSpec `json:"parameterSchema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Name = raw.Name
	d.Description = raw.Description
	d.Parameters = raw.Parameters
	if d.Parameters == nil {
		d.Parameters = raw.ParameterSchema
	}
	return nil
}

// toolsResponse is the body of GET /tools.
type toolsResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

// rpcRequest is the JSON-RPC envelope posted to the backend root endpoint.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the backend's reply envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RemoteError is an error object returned by the backend inside a JSON-RPC envelope.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %s", e.Status)
	}
	return fmt.Sprintf("backend returned %s: %s", e.Status, e.Body)
}
