// ABOUTME: Tests for the MuxAdapter that bridges mux/llm.Client to ProviderAdapter.
// ABOUTME: Covers request/response conversion, JSON mode prompting and error classification.

package llm

import (
	"context"
	"errors"
	"testing"

	muxllm "github.com/2389-research/mux/llm"
)

// stubMuxClient implements muxllm.Client, recording the last request.
type stubMuxClient struct {
	lastRequest *muxllm.Request
	response    *muxllm.Response
	err         error
}

func (s *stubMuxClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	s.lastRequest = req
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func (s *stubMuxClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	s.lastRequest = req
	ch := make(chan muxllm.StreamEvent)
	close(ch)
	return ch, nil
}

func TestMuxAdapter_Name(t *testing.T) {
	adapter := NewMuxAdapter("anthropic", &stubMuxClient{})
	if got := adapter.Name(); got != "anthropic" {
		t.Errorf("Name() = %q, want %q", got, "anthropic")
	}
}

func TestConvertRequest_SystemAndJSONMode(t *testing.T) {
	req := Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []Message{
			SystemMessage("You write Python."),
			UserMessage("Count rows"),
		},
		Temperature:    Float64Ptr(0.3),
		ResponseFormat: &ResponseFormat{Type: FormatJSON},
	}

	muxReq := convertRequest(req)

	if muxReq.MaxTokens != defaultMuxMaxTokens {
		t.Errorf("MaxTokens = %d, want default %d", muxReq.MaxTokens, defaultMuxMaxTokens)
	}
	if muxReq.Temperature == nil || *muxReq.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", muxReq.Temperature)
	}
	want := "You write Python.\nRespond with a single JSON object and nothing else."
	if muxReq.System != want {
		t.Errorf("System = %q, want %q", muxReq.System, want)
	}
	if len(muxReq.Messages) != 1 || muxReq.Messages[0].Content != "Count rows" {
		t.Fatalf("Messages = %+v", muxReq.Messages)
	}
	if muxReq.Messages[0].Role != muxllm.RoleUser {
		t.Errorf("Role = %q, want user", muxReq.Messages[0].Role)
	}
}

func TestMuxAdapter_Complete(t *testing.T) {
	stub := &stubMuxClient{response: &muxllm.Response{
		ID:         "msg_1",
		Model:      "claude",
		StopReason: muxllm.StopReasonEndTurn,
		Content: []muxllm.ContentBlock{
			{Type: muxllm.ContentTypeText, Text: `{"code":`},
			{Type: muxllm.ContentTypeText, Text: `"x=1"}`},
		},
		Usage: muxllm.Usage{InputTokens: 7, OutputTokens: 3},
	}}
	adapter := NewMuxAdapter("anthropic", stub)

	resp, err := adapter.Complete(context.Background(), Request{Model: "claude", Messages: []Message{UserMessage("hi")}, MaxTokens: IntPtr(100)})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.TextContent() != `{"code":"x=1"}` {
		t.Errorf("TextContent() = %q", resp.TextContent())
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", resp.Usage.TotalTokens)
	}
	if resp.FinishReason.Reason != FinishStop {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason.Reason)
	}
	if stub.lastRequest.MaxTokens != 100 {
		t.Errorf("MaxTokens = %d, want 100", stub.lastRequest.MaxTokens)
	}
}

func TestMuxAdapter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limit", errors.New("POST /v1/messages: 429 Too Many Requests"), true},
		{"overloaded", errors.New("529 overloaded_error"), true},
		{"auth", errors.New("401 authentication_error: invalid x-api-key"), false},
		{"other", errors.New("something odd"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewMuxAdapter("anthropic", &stubMuxClient{err: tt.err})
			_, err := adapter.Complete(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("x")}})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (err=%v)", IsRetryable(err), tt.retryable, err)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}
