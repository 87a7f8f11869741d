// ABOUTME: Adapter that wraps a mux/llm.Client as a ProviderAdapter.
// ABOUTME: Used for the Anthropic planner backend; rate-limit failures surface as RateLimitError.

package llm

import (
	"context"
	"strings"

	muxllm "github.com/2389-research/mux/llm"
)

// defaultMuxMaxTokens is used when a request does not set MaxTokens; the
// Anthropic API requires one.
const defaultMuxMaxTokens = 8192

// MuxAdapter wraps a mux/llm.Client as a ProviderAdapter.
type MuxAdapter struct {
	client muxllm.Client
	name   string
}

// NewMuxAdapter creates a MuxAdapter with the given provider name and mux client.
func NewMuxAdapter(name string, client muxllm.Client) *MuxAdapter {
	return &MuxAdapter{name: name, client: client}
}

// Name returns the provider name for this adapter.
func (a *MuxAdapter) Name() string {
	return a.name
}

// Complete sends a completion request through the mux client.
func (a *MuxAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	muxResp, err := a.client.CreateMessage(ctx, convertRequest(req))
	if err != nil {
		return nil, classifyMuxError(ctx, a.name, err)
	}
	return convertResponse(muxResp, a.name), nil
}

// Close is a no-op; mux clients do not expose Close.
func (a *MuxAdapter) Close() error {
	return nil
}

// classifyMuxError maps mux SDK errors onto the error hierarchy. The provider
// SDKs behind mux only surface status codes inside their messages.
func classifyMuxError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return &RateLimitError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "rate limited", Cause: err}, Provider: provider, StatusCode: 429, Retryable: true,
		}}
	case strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") || strings.Contains(msg, " 500") || strings.Contains(msg, " 503"):
		return &ServerError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "provider unavailable", Cause: err}, Provider: provider, Retryable: true,
		}}
	case strings.Contains(msg, "401") || strings.Contains(msg, "authentication"):
		return &AuthenticationError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "authentication failed", Cause: err}, Provider: provider, StatusCode: 401,
		}}
	default:
		return &ProviderError{SDKError: SDKError{Message: provider + " request failed", Cause: err}, Provider: provider}
	}
}

// convertRequest translates a Request into a mux Request. System messages
// move into the mux System field.
func convertRequest(req Request) *muxllm.Request {
	systemText, remaining := ExtractSystemMessages(req.Messages)

	muxMsgs := make([]muxllm.Message, 0, len(remaining))
	for _, msg := range remaining {
		role := muxllm.RoleUser
		if msg.Role == RoleAssistant {
			role = muxllm.RoleAssistant
		}
		muxMsgs = append(muxMsgs, muxllm.Message{Role: role, Content: msg.Content})
	}

	muxReq := &muxllm.Request{
		Model:       req.Model,
		Messages:    muxMsgs,
		System:      systemText,
		Temperature: req.Temperature,
		MaxTokens:   defaultMuxMaxTokens,
	}
	if req.MaxTokens != nil {
		muxReq.MaxTokens = *req.MaxTokens
	}
	if req.WantsJSON() {
		muxReq.System = strings.TrimSpace(muxReq.System + "\nRespond with a single JSON object and nothing else.")
	}
	return muxReq
}

// convertResponse translates a mux Response into a Response.
func convertResponse(resp *muxllm.Response, providerName string) *Response {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == muxllm.ContentTypeText {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     providerName,
		Message:      AssistantMessage(text.String()),
		FinishReason: mapStopReason(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// mapStopReason translates a mux StopReason into a FinishReason.
func mapStopReason(reason muxllm.StopReason) FinishReason {
	raw := string(reason)
	switch reason {
	case muxllm.StopReasonEndTurn:
		return FinishReason{Reason: FinishStop, Raw: raw}
	case muxllm.StopReasonMaxTokens:
		return FinishReason{Reason: FinishLength, Raw: raw}
	default:
		return FinishReason{Reason: FinishOther, Raw: raw}
	}
}

var _ ProviderAdapter = (*MuxAdapter)(nil)
