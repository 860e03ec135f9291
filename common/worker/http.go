package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP calls an external endpoint with the node input and reports the
// response through the callback URL. It is async: the engine parks the node
// in running until the callback lands or the timeout fires.
type HTTP struct {
	client  *http.Client
	timeout time.Duration
	guard   *URLGuard
	logger  Logger
}

// NewHTTP creates an HTTP worker. allowPrivate relaxes the target guard for
// development against local services.
func NewHTTP(timeout time.Duration, allowPrivate bool, logger Logger) *HTTP {
	return &HTTP{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		guard:   &URLGuard{AllowPrivate: allowPrivate},
		logger:  logger,
	}
}

func (h *HTTP) Kind() string { return "http" }
func (h *HTTP) Mode() Mode   { return ModeAsync }

// Dispatch performs the outbound call on a background goroutine and posts
// the result to the callback URL. The handoff itself never blocks on the
// remote endpoint.
func (h *HTTP) Dispatch(ctx context.Context, req *Request) error {
	url, _ := req.Config["url"].(string)
	if url == "" {
		return fmt.Errorf("http worker: config.url is required")
	}
	if err := h.guard.Validate(url); err != nil {
		return fmt.Errorf("http worker: %w", err)
	}
	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	go h.execute(req, url, method)
	return nil
}

func (h *HTTP) execute(req *Request, url, method string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	log := h.logger
	output, err := h.call(ctx, req, url, method)
	if err != nil {
		log.Warn("http worker call failed",
			"run_id", req.RunID.String(), "node_id", req.NodeID, "url", url, "error", err)
		h.callback(ctx, req, map[string]interface{}{"status": "failed", "error": err.Error()})
		return
	}
	h.callback(ctx, req, map[string]interface{}{"status": "completed", "output": output})
}

func (h *HTTP) call(ctx context.Context, req *Request, url, method string) (interface{}, error) {
	body, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if headers, ok := req.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Non-JSON responses are passed through as text.
		return map[string]interface{}{"body": string(data)}, nil
	}
	return parsed, nil
}

func (h *HTTP) callback(ctx context.Context, req *Request, result map[string]interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("http worker: marshal callback", "error", err)
		return
	}
	cbReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		h.logger.Error("http worker: build callback", "error", err)
		return
	}
	cbReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(cbReq)
	if err != nil {
		h.logger.Error("http worker: callback failed",
			"run_id", req.RunID.String(), "node_id", req.NodeID, "error", err)
		return
	}
	resp.Body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
