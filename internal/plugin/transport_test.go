package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/backoff"
)

func TestStdioProcessLineCorrelation(t *testing.T) {
	cfg := &ServerConfig{Name: "w", Transport: TransportStdio, Command: "server"}
	tr := NewStdioTransport(cfg)

	respChan := make(chan *Response, 1)
	tr.pendingMu.Lock()
	tr.pending[7] = respChan
	tr.pendingMu.Unlock()

	tr.processLine(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)

	select {
	case resp := <-respChan:
		if !strings.Contains(string(resp.Result), "ok") {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("response not delivered to pending call")
	}

	tr.pendingMu.Lock()
	_, still := tr.pending[7]
	tr.pendingMu.Unlock()
	if still {
		t.Error("pending entry not cleared after delivery")
	}
}

func TestStdioProcessLineErrorResponse(t *testing.T) {
	cfg := &ServerConfig{Name: "w", Transport: TransportStdio, Command: "server"}
	tr := NewStdioTransport(cfg)

	respChan := make(chan *Response, 1)
	tr.pendingMu.Lock()
	tr.pending[1] = respChan
	tr.pendingMu.Unlock()

	tr.processLine(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)

	resp := <-respChan
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestStdioProcessLineIgnoresNoise(t *testing.T) {
	cfg := &ServerConfig{Name: "w", Transport: TransportStdio, Command: "server"}
	tr := NewStdioTransport(cfg)

	// Notifications and garbage must not panic or hang.
	tr.processLine(`{"jsonrpc":"2.0","method":"log","params":{"msg":"hi"}}`)
	tr.processLine(`not json at all`)
	tr.processLine(`{"jsonrpc":"2.0","id":99,"result":{}}`) // no pending call
}

func TestHTTPTransportCall(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"tools":[]}`),
		})
	}))
	defer srv.Close()

	cfg := &ServerConfig{
		Name: "notes", Transport: TransportHTTP,
		URL: srv.URL, AuthToken: "tok", Timeout: 5 * time.Second,
	}
	tr := NewHTTPTransport(cfg)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	result, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(result), "tools") {
		t.Errorf("result = %s", result)
	}
	if gotAuth.Load() != "Bearer tok" {
		t.Errorf("auth header = %v, want bearer token", gotAuth.Load())
	}
}

func TestHTTPTransportRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
	}))
	defer srv.Close()

	cfg := &ServerConfig{Name: "n", Transport: TransportHTTP, URL: srv.URL, Timeout: 5 * time.Second}
	tr := NewHTTPTransport(cfg)
	tr.retry = backoff.RetryConfig{
		MaxAttempts: 3,
		Policy:      backoff.Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0},
	}
	tr.Connect(context.Background())
	defer tr.Close()

	if _, err := tr.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestHTTPTransportClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := &ServerConfig{Name: "n", Transport: TransportHTTP, URL: srv.URL, Timeout: 5 * time.Second}
	tr := NewHTTPTransport(cfg)
	tr.retry = backoff.RetryConfig{
		MaxAttempts: 3,
		Policy:      backoff.Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0},
	}
	tr.Connect(context.Background())
	defer tr.Close()

	if _, err := tr.Call(context.Background(), "ping", nil); err == nil {
		t.Fatal("expected error on 401")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts.Load())
	}
}
