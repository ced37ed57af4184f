package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Bigsy/promptbridge/internal/config"
)

const (
	// APIKeyHeader carries the configured API key on every request.
	APIKeyHeader = "X-API-Key"

	// ToolsPath lists the backend's tools.
	ToolsPath = "/tools"
	// RPCPath accepts JSON-RPC tool invocations.
	RPCPath = "/"

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 10 * 1024 * 1024
	// maxErrorBody caps how much of a failed response is quoted in errors.
	maxErrorBody = 1024

	tracerName = "github.com/Bigsy/promptbridge/internal/backend"
)

// Client talks to the prompt backend over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	userAgent  string
	httpClient *http.Client
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithTracerProvider records spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a backend client from cfg.
func New(cfg *config.Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		userAgent:  "promptbridge",
		httpClient: http.DefaultClient,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListTools fetches every tool descriptor the backend exposes.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var resp toolsResponse
	if err := c.Get(ctx, ToolsPath, &resp); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return resp.Tools, nil
}

// CallTool invokes a tool through the backend's JSON-RPC endpoint and returns
// the raw result. A backend-side error object is returned as *RemoteError.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage(`{}`)
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params: toolCallParams{
			Name:      name,
			Arguments: arguments,
		},
	}

	var resp rpcResponse
	err := c.Post(ctx, RPCPath, req, &resp)
	if err != nil {
		// A failed status may still carry a JSON-RPC error body; prefer its message.
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			var env rpcResponse
			if json.Unmarshal([]byte(statusErr.Body), &env) == nil && env.Error != nil {
				return nil, env.Error
			}
		}
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("call tool %s: backend returned neither result nor error", name)
	}
	return resp.Result, nil
}

// Get issues a GET request and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST request with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s %s: timed out after %s", method, path, c.timeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
