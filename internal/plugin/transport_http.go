package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/backoff"
)

// HTTPTransport posts JSON-RPC requests to a remote server. Every request
// carries the configured bearer token. Transient failures (network errors
// and 5xx) are retried with backoff; 4xx responses are permanent.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client
	retry  backoff.RetryConfig

	connected atomic.Bool
	closing   atomic.Bool
	doneChan  chan struct{}
	doneOnce  sync.Once
}

// NewHTTPTransport creates an HTTP transport for a server config.
func NewHTTPTransport(cfg *ServerConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		config:   cfg,
		logger:   slog.Default().With("plugin_server", cfg.Name, "transport", "http"),
		client:   &http.Client{Timeout: timeout},
		retry:    backoff.DefaultRetryConfig(),
		doneChan: make(chan struct{}),
	}
}

// Connect marks the transport live. Reachability is confirmed by the
// client's initialize call right after.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for http transport")
	}
	t.connected.Store(true)
	t.logger.Info("http transport ready", "url", t.config.URL)
	return nil
}

// Close marks the transport closed.
func (t *HTTPTransport) Close() error {
	t.closing.Store(true)
	t.connected.Store(false)
	return nil
}

// Done is closed only when the transport fails outside Close. HTTP has no
// live connection to lose, so health probes drive degradation instead.
func (t *HTTPTransport) Done() <-chan struct{} {
	return t.doneChan
}

// Connected reports whether the transport is live.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// Call sends a request and waits for its response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	req := Request{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = backoff.Retry(ctx, t.retry, func() error {
		var attemptErr error
		result, attemptErr = t.post(ctx, body)
		return attemptErr
	})
	return result, err
}

// Notify sends a notification without waiting for a result.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	_, err = t.post(ctx, body)
	return err
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, backoff.Permanent(fmt.Errorf("server returned %d: %s", resp.StatusCode, detail))
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, backoff.Permanent(rpcResp.Error)
	}
	return rpcResp.Result, nil
}
