package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/Bigsy/promptbridge/internal/backend"
	"github.com/Bigsy/promptbridge/internal/mcp"
	"github.com/Bigsy/promptbridge/internal/registry"
)

// DefaultMaxInFlight caps concurrently running request handlers.
const DefaultMaxInFlight = 8

// DefaultProtocolVersion is the MCP revision advertised by initialize.
const DefaultProtocolVersion = "2024-11-05"

// ToolCaller forwards a tool invocation to the backend.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)
}

// Options configures the MCP server.
type Options struct {
	Registry        *registry.Registry
	Caller          ToolCaller
	Logger          *log.Logger
	Stdin           io.Reader
	Stdout          io.Writer
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	MaxInFlight     int64
}

// Server reads JSON-RPC frames from stdin, dispatches them concurrently and
// writes exactly one response frame per request carrying an id.
type Server struct {
	opts     Options
	registry *registry.Registry
	caller   ToolCaller
	logger   *log.Logger

	reader *mcp.FrameReader
	writer *mcp.FrameWriter

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

// New creates a new MCP server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if opts.Caller == nil {
		return nil, errors.New("server: tool caller is required")
	}
	if opts.Stdin == nil || opts.Stdout == nil {
		return nil, errors.New("server: stdin and stdout are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.ServerName == "" {
		opts.ServerName = "promptbridge"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}

	return &Server{
		opts:     opts,
		registry: opts.Registry,
		caller:   opts.Caller,
		logger:   opts.Logger,
		reader:   mcp.NewFrameReader(),
		writer:   mcp.NewFrameWriter(opts.Stdout),
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
	}, nil
}

// Run performs the initial tool discovery and then serves requests until
// stdin reaches EOF (returns nil) or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.inflight.Wait()

	if err := s.registry.Refresh(ctx); err != nil {
		s.logger.Warn("Initial tool discovery failed, starting with empty registry", "error", err)
	} else {
		s.logger.Info("Discovered tools", "count", s.registry.Len())
	}

	// Read frames on a separate goroutine so cancellation is not stuck behind a blocking read.
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		discarded, err := s.reader.ReadFrames(ctx, s.opts.Stdin, func(frame []byte) {
			select {
			case frames <- frame:
			case <-ctx.Done():
			}
		})
		if discarded > 0 {
			s.logger.Debug("Discarded unterminated input at EOF", "bytes", discarded)
		}
		readErr <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				err := <-readErr
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Info("Client closed connection (EOF)")
				return nil
			}
			s.HandleFrame(ctx, frame)
		}
	}
}

// HandleFrame parses one frame and dispatches it. Requests run on their own
// goroutine once a concurrency slot is free; parse failures and invalid
// requests are answered inline.
func (s *Server) HandleFrame(ctx context.Context, data []byte) {
	s.logger.Debug("Recv", "frame", string(data))

	if !json.Valid(data) {
		s.sendError(nil, ErrParseError("invalid JSON"))
		return
	}

	msg, rpcErr := decodeMessage(data)
	if rpcErr != nil {
		// A notification with a malformed member has no id to answer.
		if msg.ID == nil && msg.isObject {
			s.logger.Debug("Dropping malformed notification", "error", rpcErr.Message)
			return
		}
		s.sendError(msg.ID, rpcErr)
		return
	}

	// No id member at all: a notification, never answered.
	if msg.ID == nil {
		s.handleNotification(msg.Method, msg.Params)
		return
	}

	if msg.Method == "" {
		s.sendError(msg.ID, ErrInvalidRequest("missing method"))
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Only fails once ctx is done; the process is terminating.
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.sem.Release(1)

		result, rpcErr := s.handleRequest(ctx, msg.Method, msg.Params)
		if rpcErr != nil {
			s.sendError(msg.ID, rpcErr)
			return
		}
		s.sendResult(msg.ID, result)
	}()
}

// Wait blocks until every dispatched request has written its response.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// handleRequest processes a JSON-RPC request and returns a result or error.
func (s *Server) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case "initialize":
		return s.handleInitialize(params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.handleToolsList(ctx)
	case "tools/call":
		return s.handleToolsCall(ctx, params)
	default:
		return nil, ErrMethodNotFound(method)
	}
}

// handleNotification processes a JSON-RPC notification.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/initialized":
		s.logger.Debug("Client sent initialized notification")
	case "notifications/cancelled":
		// In-flight handlers always run to completion.
		s.logger.Debug("Ignoring cancellation notification", "params", string(params))
	default:
		s.logger.Debug("Unknown notification", "method", method)
	}
}

// handleInitialize returns the static capability payload. It never fails;
// unreadable params are only logged.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var req initializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			s.logger.Debug("Unreadable initialize params", "error", err)
		}
	}

	s.logger.Info("Initialize request",
		"client", req.ClientInfo.Name,
		"clientVersion", req.ClientInfo.Version,
		"protocol", req.ProtocolVersion)

	return initializeResult{
		ProtocolVersion: s.opts.ProtocolVersion,
		ServerInfo: serverInfo{
			Name:    s.opts.ServerName,
			Version: s.opts.ServerVersion,
		},
		Capabilities: capabilities{
			Tools: &toolsCapability{},
		},
	}, nil
}

// handleToolsList refreshes the registry and lists it. A failed refresh
// serves the previously cached set instead of an error.
func (s *Server) handleToolsList(ctx context.Context) (any, *RPCError) {
	if err := s.registry.Refresh(ctx); err != nil {
		s.logger.Warn("Tool refresh failed, serving cached tools", "error", err, "cached", s.registry.Len())
	}
	return toolsListResult{Tools: toMCPTools(s.registry.List())}, nil
}

// handleToolsCall validates the tool name against the registry and forwards
// the call to the backend.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	if len(params) == 0 {
		return nil, ErrInvalidParams("missing params")
	}

	var req toolsCallRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if req.Name == "" {
		return nil, ErrInvalidParams("tool name is required")
	}

	if _, ok := s.registry.Lookup(req.Name); !ok {
		return nil, ErrUnknownTool(req.Name)
	}

	result, err := s.caller.CallTool(ctx, req.Name, req.Arguments)
	if err != nil {
		s.logger.Warn("Tool call failed", "tool", req.Name, "error", err)
		return nil, ErrInternalError(upstreamMessage(err))
	}

	return textResult(renderText(result)), nil
}

// upstreamMessage extracts the backend's own message when it sent one.
func upstreamMessage(err error) string {
	var remoteErr *backend.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Message
	}
	return err.Error()
}

// sendResult sends a successful JSON-RPC response.
func (s *Server) sendResult(id json.RawMessage, result any) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		s.sendError(id, ErrInternalError(fmt.Sprintf("marshal result: %v", err)))
		return
	}
	s.send(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultJSON,
	})
}

// sendError sends a JSON-RPC error response.
func (s *Server) sendError(id json.RawMessage, rpcErr *RPCError) {
	s.send(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	})
}

// send writes a JSON-RPC message to stdout.
func (s *Server) send(resp rpcResponse) {
	if s.logger.GetLevel() <= log.DebugLevel {
		if data, err := json.Marshal(resp); err == nil {
			s.logger.Debug("Send", "frame", string(data))
		}
	}
	if err := s.writer.WriteFrame(resp); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

// decodeMessage reads the members of a request object one at a time, so the
// id survives even when another member has the wrong type. The returned
// message carries whatever id was found alongside any error.
func decodeMessage(data []byte) (rpcMessage, *RPCError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return rpcMessage{}, ErrInvalidRequest("expected a JSON-RPC object")
	}

	msg := rpcMessage{isObject: true, ID: fields["id"], Params: fields["params"]}

	if raw, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(raw, &msg.JSONRPC); err != nil {
			return msg, ErrInvalidRequest("jsonrpc must be a string")
		}
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &msg.Method); err != nil {
			return msg, ErrInvalidRequest("method must be a string")
		}
	}
	return msg, nil
}

// JSON-RPC message types

type rpcMessage struct {
	JSONRPC string
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage

	isObject bool
}

// rpcResponse carries either Result or Error, never both. ID is always
// present; a nil ID encodes as null.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type initializeRequest struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolsCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolsCallResult struct {
	Content []ContentBlock `json:"content"`
}
