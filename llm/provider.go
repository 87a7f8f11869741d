// ABOUTME: ProviderAdapter interface and the shared HTTP base used by REST adapters.
// ABOUTME: Handles JSON request encoding, auth headers and transport error classification.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ProviderAdapter is implemented by every LLM provider the planner can talk to.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// BaseAdapter provides common HTTP functionality for REST adapters.
type BaseAdapter struct {
	APIKey         string
	BaseURL        string
	DefaultHeaders map[string]string
	Timeout        AdapterTimeout
	HTTPClient     *http.Client
}

// NewBaseAdapter creates a BaseAdapter with the given API key, base URL, and timeout config.
func NewBaseAdapter(apiKey, baseURL string, timeout AdapterTimeout) *BaseAdapter {
	return &BaseAdapter{
		APIKey:         apiKey,
		BaseURL:        baseURL,
		DefaultHeaders: make(map[string]string),
		Timeout:        timeout,
		HTTPClient:     newHTTPClient(timeout),
	}
}

func newHTTPClient(timeout AdapterTimeout) *http.Client {
	return &http.Client{
		Timeout: timeout.Request,
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{Timeout: timeout.Connect}).DialContext,
		},
	}
}

// DoRequest JSON-encodes body, applies auth and default headers, and executes
// the request. Transport failures come back as NetworkError or
// RequestTimeoutError so the retry policy can classify them.
func (b *BaseAdapter) DoRequest(ctx context.Context, method, path string, body any, headers map[string]string) (*http.Response, error) {
	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	var httpReq *http.Request
	var err error
	if reqBody != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, b.BaseURL+path, reqBody)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, b.BaseURL+path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if b.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	return resp, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: "executing request", Cause: err}}
}

// parseRetryAfter reads a Retry-After header given either as seconds or as an
// HTTP date relative to now. It returns nil when the header is absent or
// unusable.
func parseRetryAfter(header string, now time.Time) *float64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		if secs < 0 {
			return nil
		}
		return &secs
	}
	if at, err := http.ParseTime(header); err == nil {
		secs := at.Sub(now).Seconds()
		if secs < 0 {
			secs = 0
		}
		return &secs
	}
	return nil
}
