// ABOUTME: Tests for the Gemini provider adapter using httptest servers.
// ABOUTME: Validates request translation, JSON response mode, query-param auth, response parsing and errors.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const geminiOKBody = `{
	"candidates": [{
		"content": {"parts": [{"text": "{\"code\": \"print(1)\"}"}], "role": "model"},
		"finishReason": "STOP"
	}],
	"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15},
	"modelVersion": "gemini-1.5-flash-002"
}`

func newGeminiTestServer(t *testing.T, status int, respBody string, capture func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading body: %v", err)
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("unmarshaling body: %v", err)
		}
		if capture != nil {
			capture(r, body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, respBody)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGeminiAdapterName(t *testing.T) {
	adapter := NewGeminiAdapter("test-api-key")
	if adapter.Name() != "gemini" {
		t.Errorf("Name() = %q, want %q", adapter.Name(), "gemini")
	}
}

func TestGeminiRequestTranslation(t *testing.T) {
	var receivedBody map[string]any
	var receivedPath, receivedKey, receivedAuth string

	server := newGeminiTestServer(t, http.StatusOK, geminiOKBody, func(r *http.Request, body map[string]any) {
		receivedPath = r.URL.Path
		receivedKey = r.URL.Query().Get("key")
		receivedAuth = r.Header.Get("Authorization")
		receivedBody = body
	})

	adapter := NewGeminiAdapter("test-key", WithGeminiBaseURL(server.URL))
	_, err := adapter.Complete(context.Background(), Request{
		Model: "gemini-1.5-flash",
		Messages: []Message{
			SystemMessage("You write Python."),
			UserMessage("How many rows?"),
		},
		Temperature:    Float64Ptr(0.2),
		ResponseFormat: &ResponseFormat{Type: FormatJSON},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if receivedPath != "/v1beta/models/gemini-1.5-flash:generateContent" {
		t.Errorf("path = %q", receivedPath)
	}
	if receivedKey != "test-key" {
		t.Errorf("key query param = %q, want %q", receivedKey, "test-key")
	}
	if receivedAuth != "" {
		t.Errorf("Authorization header should be empty, got %q", receivedAuth)
	}

	sys, ok := receivedBody["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatalf("expected systemInstruction, got %T", receivedBody["systemInstruction"])
	}
	parts := sys["parts"].([]any)
	if parts[0].(map[string]any)["text"] != "You write Python." {
		t.Errorf("system text = %v", parts[0])
	}

	contents := receivedBody["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("expected 1 content entry, got %d", len(contents))
	}
	if contents[0].(map[string]any)["role"] != "user" {
		t.Errorf("role = %v, want user", contents[0].(map[string]any)["role"])
	}

	genConfig := receivedBody["generationConfig"].(map[string]any)
	if genConfig["responseMimeType"] != "application/json" {
		t.Errorf("responseMimeType = %v, want application/json", genConfig["responseMimeType"])
	}
	if genConfig["temperature"] != 0.2 {
		t.Errorf("temperature = %v, want 0.2", genConfig["temperature"])
	}
}

func TestGeminiNoGenerationConfigWhenUnset(t *testing.T) {
	var receivedBody map[string]any
	server := newGeminiTestServer(t, http.StatusOK, geminiOKBody, func(r *http.Request, body map[string]any) {
		receivedBody = body
	})

	adapter := NewGeminiAdapter("test-key", WithGeminiBaseURL(server.URL))
	if _, err := adapter.Complete(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("hi")}}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if _, ok := receivedBody["generationConfig"]; ok {
		t.Error("generationConfig should be omitted when nothing is set")
	}
}

func TestGeminiResponseParsing(t *testing.T) {
	server := newGeminiTestServer(t, http.StatusOK, geminiOKBody, nil)
	adapter := NewGeminiAdapter("test-key", WithGeminiBaseURL(server.URL))

	resp, err := adapter.Complete(context.Background(), Request{Model: "gemini-1.5-flash", Messages: []Message{UserMessage("x")}})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.TextContent() != `{"code": "print(1)"}` {
		t.Errorf("TextContent() = %q", resp.TextContent())
	}
	if resp.Model != "gemini-1.5-flash-002" {
		t.Errorf("Model = %q, want modelVersion", resp.Model)
	}
	if resp.FinishReason.Reason != FinishStop {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason.Reason, FinishStop)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestGeminiBlockedPrompt(t *testing.T) {
	server := newGeminiTestServer(t, http.StatusOK, `{"promptFeedback": {"blockReason": "SAFETY"}}`, nil)
	adapter := NewGeminiAdapter("test-key", WithGeminiBaseURL(server.URL))

	_, err := adapter.Complete(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("x")}})
	var noObj *NoObjectGeneratedError
	if !errors.As(err, &noObj) {
		t.Fatalf("expected NoObjectGeneratedError, got %T (%v)", err, err)
	}
	if !strings.Contains(err.Error(), "SAFETY") {
		t.Errorf("error should mention block reason, got %q", err.Error())
	}
}

func TestGeminiErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantType   string
	}{
		{"400 bad request", http.StatusBadRequest, `{"error":{"code":400,"message":"Invalid request","status":"INVALID_ARGUMENT"}}`, "*llm.InvalidRequestError"},
		{"403 forbidden", http.StatusForbidden, `{"error":{"code":403,"message":"Permission denied","status":"PERMISSION_DENIED"}}`, "*llm.AuthenticationError"},
		{"404 not found", http.StatusNotFound, `{"error":{"code":404,"message":"Model not found","status":"NOT_FOUND"}}`, "*llm.NotFoundError"},
		{"429 rate limit", http.StatusTooManyRequests, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`, "*llm.RateLimitError"},
		{"503 unparseable", http.StatusServiceUnavailable, `upstream down`, "*llm.ServerError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newGeminiTestServer(t, tt.statusCode, tt.body, func(*http.Request, map[string]any) {})
			adapter := NewGeminiAdapter("test-key", WithGeminiBaseURL(server.URL))

			_, err := adapter.Complete(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("test")}})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if gotType := fmt.Sprintf("%T", err); gotType != tt.wantType {
				t.Errorf("error type = %q, want %q (error: %v)", gotType, tt.wantType, err)
			}
		})
	}
}

func TestGeminiMissingKey(t *testing.T) {
	adapter := NewGeminiAdapter("")
	_, err := adapter.Complete(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("x")}})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
}
