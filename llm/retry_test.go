// ABOUTME: Tests for retry policy, backoff and Retry-After handling.
// ABOUTME: Drives Client.Complete through a Gemini adapter against httptest servers for transient failures.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fastPolicy retries quickly and records each delay it applies.
func fastPolicy(maxRetries int, delays *[]time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        maxRetries,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			if delays != nil {
				*delays = append(*delays, delay)
			}
		},
	}
}

// scriptedGemini answers each call with the next status in statuses, then
// 200 with geminiOKBody. headers are set on every non-200 reply.
func scriptedGemini(t *testing.T, statuses []int, headers map[string]string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		w.Header().Set("Content-Type", "application/json")
		if n <= len(statuses) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(statuses[n-1])
			fmt.Fprintf(w, `{"error": {"code": %d, "message": "try later", "status": "UNAVAILABLE"}}`, statuses[n-1])
			return
		}
		fmt.Fprint(w, geminiOKBody)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func geminiClient(baseURL string, policy RetryPolicy) *Client {
	adapter := NewGeminiAdapter("test-key", WithGeminiBaseURL(baseURL))
	return NewClient(WithProvider("gemini", adapter), WithRetryPolicy(policy))
}

func planRequest() Request {
	return Request{
		Model:          "gemini-1.5-flash",
		Messages:       []Message{UserMessage("How many rows are in sales.csv?")},
		ResponseFormat: &ResponseFormat{Type: FormatJSON},
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 2 || p.BaseDelay != time.Second || p.MaxDelay != time.Minute {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if !p.Jitter {
		t.Error("Jitter should be on by default")
	}
}

func TestCalculateDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := p.CalculateDelay(attempt); got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}

	p.Jitter = true
	for i := 0; i < 50; i++ {
		if d := p.CalculateDelay(1); d < 0 || d > 2*time.Second {
			t.Fatalf("jittered delay %v outside [0, 2s]", d)
		}
	}
}

func TestShouldRetryFollowsProviderStatus(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2}
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "x", "gemini", "", nil, nil)
		if got := p.ShouldRetry(err, 0); got != tt.want {
			t.Errorf("status %d: ShouldRetry = %v, want %v", tt.status, got, tt.want)
		}
	}

	if p.ShouldRetry(&ServerError{}, 2) {
		t.Error("should stop once MaxRetries is reached")
	}
	if p.ShouldRetry(errors.New("plain"), 0) {
		t.Error("errors outside the hierarchy are not retryable")
	}
	if p.ShouldRetry(nil, 0) {
		t.Error("nil is not retryable")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("7", now); got == nil || *got != 7 {
		t.Errorf("seconds form: got %v", got)
	}
	if got := parseRetryAfter("Sun, 01 Mar 2026 12:00:30 GMT", now); got == nil || *got != 30 {
		t.Errorf("date form: got %v", got)
	}
	for _, h := range []string{"", "soon", "-3"} {
		if got := parseRetryAfter(h, now); got != nil {
			t.Errorf("%q: expected nil, got %v", h, *got)
		}
	}
}

func TestCompleteRecoversFromGeminiServiceUnavailable(t *testing.T) {
	server, calls := scriptedGemini(t, []int{http.StatusServiceUnavailable}, nil)
	var delays []time.Duration
	client := geminiClient(server.URL, fastPolicy(2, &delays))

	resp, err := client.Complete(context.Background(), planRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.TextContent() != `{"code": "print(1)"}` {
		t.Errorf("unexpected content %q", resp.TextContent())
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
	if len(delays) != 1 {
		t.Errorf("OnRetry calls = %d, want 1", len(delays))
	}
}

func TestCompleteGivesUpAfterMaxRetries(t *testing.T) {
	server, calls := scriptedGemini(t, []int{503, 503, 503, 503}, nil)
	client := geminiClient(server.URL, fastPolicy(2, nil))

	_, err := client.Complete(context.Background(), planRequest())
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServerError, got %T: %v", err, err)
	}
	if se.StatusCode != 503 || se.Provider != "gemini" {
		t.Errorf("unexpected error fields: status=%d provider=%q", se.StatusCode, se.Provider)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestCompleteHonoursRetryAfterOnRateLimit(t *testing.T) {
	server, calls := scriptedGemini(t, []int{http.StatusTooManyRequests}, map[string]string{"Retry-After": "1"})
	var delays []time.Duration
	client := geminiClient(server.URL, fastPolicy(2, &delays))

	start := time.Now()
	if _, err := client.Complete(context.Background(), planRequest()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Errorf("delays = %v, want [1s]", delays)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("returned after %v, before the Retry-After hint", elapsed)
	}
}

func TestCompleteDoesNotRetryBadRequest(t *testing.T) {
	server, calls := scriptedGemini(t, []int{http.StatusBadRequest}, nil)
	client := geminiClient(server.URL, fastPolicy(2, nil))

	_, err := client.Complete(context.Background(), planRequest())
	var ie *InvalidRequestError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InvalidRequestError, got %T: %v", err, err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         time.Hour,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 1,
		OnRetry:           func(error, int, time.Duration) { cancel() },
	}

	var calls int
	want := &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "overloaded"}, Retryable: true}}
	err := Retry(ctx, policy, func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected the last provider error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
