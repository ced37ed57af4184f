// Package server implements the MCP bridge: a JSON-RPC 2.0 dispatcher over
// stdio that serves tools discovered from the prompt backend.
package server

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC error codes. The bridge uses only the reserved range.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError creates a new RPC error with optional data.
func NewRPCError(code int, message string, data any) *RPCError {
	err := &RPCError{
		Code:    code,
		Message: message,
	}
	if data != nil {
		if dataBytes, jsonErr := json.Marshal(data); jsonErr == nil {
			err.Data = dataBytes
		}
	}
	return err
}

// Error constructors for common cases

func ErrParseError(detail string) *RPCError {
	return NewRPCError(ErrCodeParseError, "Parse error: "+detail, nil)
}

func ErrInvalidRequest(detail string) *RPCError {
	return NewRPCError(ErrCodeInvalidRequest, "Invalid Request: "+detail, nil)
}

func ErrMethodNotFound(method string) *RPCError {
	return NewRPCError(ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

func ErrInvalidParams(detail string) *RPCError {
	return NewRPCError(ErrCodeInvalidParams, "Invalid params: "+detail, nil)
}

func ErrInternalError(detail string) *RPCError {
	return NewRPCError(ErrCodeInternalError, "Internal error: "+detail, nil)
}

// ErrUnknownTool reports a tools/call for a name absent from the registry.
func ErrUnknownTool(toolName string) *RPCError {
	return NewRPCError(ErrCodeInvalidParams, fmt.Sprintf("Unknown tool: %s", toolName), map[string]string{"toolName": toolName})
}
