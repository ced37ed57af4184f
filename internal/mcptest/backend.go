// Package mcptest provides test infrastructure for the bridge: a fake prompt
// backend served over httptest and canned configurations for it.
package mcptest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Bigsy/promptbridge/internal/backend"
)

// BackendConfig controls the fake backend's behavior.
type BackendConfig struct {
	// Tools returned from GET /tools.
	Tools []backend.ToolDescriptor

	// ToolsStatus forces GET /tools to fail with this HTTP status (0 = succeed).
	ToolsStatus int

	// Results maps tool name to the result returned from tools/call.
	// Tools without an entry echo their name and arguments.
	Results map[string]any

	// Errors maps tool name to a JSON-RPC error returned from tools/call.
	Errors map[string]backend.RemoteError

	// Delays maps tool name to a delay before tools/call answers.
	// NOTE: Use short delays (10-50ms) in tests to avoid slow suite.
	Delays map[string]time.Duration

	// APIKey, when set, is required in the X-API-Key header (401 otherwise).
	APIKey string
}

// RecordedCall is one tools/call received by the fake backend.
type RecordedCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Header    http.Header
}

// FakeBackend is an httptest server imitating the prompt backend.
type FakeBackend struct {
	*httptest.Server

	mu        sync.Mutex
	cfg       BackendConfig
	listCount int
	calls     []RecordedCall
	requests  int
	headers   []http.Header
}

// NewFakeBackend starts a fake backend and registers its shutdown with t.Cleanup.
func NewFakeBackend(t *testing.T, cfg BackendConfig) *FakeBackend {
	t.Helper()

	fb := &FakeBackend{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", fb.handleTools)
	mux.HandleFunc("POST /{$}", fb.handleRPC)
	fb.Server = httptest.NewServer(fb.record(mux))
	t.Cleanup(fb.Close)
	return fb
}

// SetTools replaces the tool list served from GET /tools.
func (fb *FakeBackend) SetTools(tools []backend.ToolDescriptor) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.cfg.Tools = tools
}

// FailTools makes GET /tools answer with status (0 restores success).
func (fb *FakeBackend) FailTools(status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.cfg.ToolsStatus = status
}

// Requests returns the total number of HTTP requests received.
func (fb *FakeBackend) Requests() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.requests
}

// ListCount returns the number of GET /tools requests received.
func (fb *FakeBackend) ListCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.listCount
}

// Calls returns a copy of the recorded tools/call requests.
func (fb *FakeBackend) Calls() []RecordedCall {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]RecordedCall, len(fb.calls))
	copy(out, fb.calls)
	return out
}

// Headers returns the headers of every request received, in order.
func (fb *FakeBackend) Headers() []http.Header {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]http.Header, len(fb.headers))
	copy(out, fb.headers)
	return out
}

func (fb *FakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.requests++
		fb.headers = append(fb.headers, r.Header.Clone())
		apiKey := fb.cfg.APIKey
		fb.mu.Unlock()

		if apiKey != "" && r.Header.Get(backend.APIKeyHeader) != apiKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (fb *FakeBackend) handleTools(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.listCount++
	status := fb.cfg.ToolsStatus
	tools := fb.cfg.Tools
	fb.mu.Unlock()

	if status != 0 {
		http.Error(w, "tools unavailable", status)
		return
	}
	if tools == nil {
		tools = []backend.ToolDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (fb *FakeBackend) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	fb.mu.Lock()
	fb.calls = append(fb.calls, RecordedCall{
		ID:        req.ID,
		Name:      req.Params.Name,
		Arguments: req.Params.Arguments,
		Header:    r.Header.Clone(),
	})
	delay := fb.cfg.Delays[req.Params.Name]
	rpcErr, hasErr := fb.cfg.Errors[req.Params.Name]
	result, hasResult := fb.cfg.Results[req.Params.Name]
	fb.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case req.Method != "tools/call":
		resp["error"] = backend.RemoteError{Code: -32601, Message: "Method not found: " + req.Method}
	case hasErr:
		resp["error"] = rpcErr
	case hasResult:
		resp["result"] = result
	default:
		resp["result"] = map[string]any{
			"tool":      req.Params.Name,
			"arguments": req.Params.Arguments,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
