// ABOUTME: Gemini provider adapter using the native generateContent REST endpoint.
// ABOUTME: Maps system prompts, generation config and JSON response mode onto Gemini's request format.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// GeminiAdapter implements ProviderAdapter for Google's Gemini API. It
// authenticates with a query parameter rather than a bearer token.
type GeminiAdapter struct {
	apiKey string
	base   *BaseAdapter
}

// GeminiOption is a functional option for configuring a GeminiAdapter.
type GeminiOption func(*GeminiAdapter)

// WithGeminiBaseURL sets the base URL for the Gemini API.
// Default is "https://generativelanguage.googleapis.com".
func WithGeminiBaseURL(url string) GeminiOption {
	return func(a *GeminiAdapter) {
		a.base.BaseURL = url
	}
}

// WithGeminiTimeout sets the timeout configuration for the adapter.
func WithGeminiTimeout(timeout AdapterTimeout) GeminiOption {
	return func(a *GeminiAdapter) {
		a.base.Timeout = timeout
		a.base.HTTPClient = newHTTPClient(timeout)
	}
}

// NewGeminiAdapter creates a GeminiAdapter with the given API key and options.
func NewGeminiAdapter(apiKey string, opts ...GeminiOption) *GeminiAdapter {
	adapter := &GeminiAdapter{
		apiKey: apiKey,
		base:   NewBaseAdapter("", "https://generativelanguage.googleapis.com", DefaultAdapterTimeout()),
	}
	for _, opt := range opts {
		opt(adapter)
	}
	return adapter
}

// Name returns the provider name "gemini".
func (a *GeminiAdapter) Name() string {
	return "gemini"
}

// Close releases any resources held by the adapter.
func (a *GeminiAdapter) Close() error {
	return nil
}

// Complete sends a generateContent request and returns a unified Response.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if a.apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gemini API key is empty"}}
	}

	body := a.buildRequestBody(req)
	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", url.PathEscape(req.Model), url.QueryEscape(a.apiKey))

	httpResp, err := a.base.DoRequest(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: "reading response body", Cause: err}}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.parseErrorResponse(httpResp.StatusCode, respBody, parseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now()))
	}

	return a.parseResponse(req.Model, respBody)
}

// buildRequestBody translates a unified Request into a Gemini request body.
func (a *GeminiAdapter) buildRequestBody(req Request) map[string]any {
	body := make(map[string]any)

	systemText, remaining := ExtractSystemMessages(req.Messages)
	if systemText != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": systemText}},
		}
	}

	contents := make([]map[string]any, 0, len(remaining))
	for _, msg := range remaining {
		if msg.Content == "" {
			continue
		}
		contents = append(contents, map[string]any{
			"role":  a.translateRole(msg.Role),
			"parts": []map[string]any{{"text": msg.Content}},
		})
	}
	body["contents"] = contents

	genConfig := make(map[string]any)
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if req.WantsJSON() {
		genConfig["responseMimeType"] = "application/json"
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return body
}

// translateRole maps unified roles to Gemini roles.
func (a *GeminiAdapter) translateRole(role Role) string {
	if role == RoleAssistant {
		return "model"
	}
	return "user"
}

// parseResponse translates a Gemini API response into the unified Response type.
func (a *GeminiAdapter) parseResponse(model string, respBody []byte) (*Response, error) {
	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, &NoObjectGeneratedError{SDKError: SDKError{Message: "parsing Gemini response", Cause: err}}
	}

	resp := &Response{
		Provider: "gemini",
		Model:    model,
		Message:  Message{Role: RoleAssistant},
		Raw:      json.RawMessage(respBody),
	}
	if geminiResp.ModelVersion != "" {
		resp.Model = geminiResp.ModelVersion
	}

	if len(geminiResp.Candidates) == 0 {
		reason := "no candidates"
		if geminiResp.PromptFeedback != nil && geminiResp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + geminiResp.PromptFeedback.BlockReason
		}
		return nil, &NoObjectGeneratedError{SDKError: SDKError{Message: "gemini returned " + reason}}
	}

	candidate := geminiResp.Candidates[0]
	for _, part := range candidate.Content.Parts {
		resp.Message.Content += part.Text
	}
	resp.FinishReason = a.mapFinishReason(candidate.FinishReason)

	if geminiResp.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  geminiResp.UsageMetadata.TotalTokenCount,
		}
	}

	return resp, nil
}

// mapFinishReason translates a Gemini finish reason string to a unified FinishReason.
func (a *GeminiAdapter) mapFinishReason(geminiReason string) FinishReason {
	var reason string
	switch geminiReason {
	case "STOP":
		reason = FinishStop
	case "MAX_TOKENS":
		reason = FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		reason = FinishContentFilter
	default:
		reason = FinishOther
	}
	return FinishReason{Reason: reason, Raw: geminiReason}
}

// parseErrorResponse parses a Gemini error response into the error hierarchy.
// retryAfter is the server's Retry-After hint in seconds, if any.
func (a *GeminiAdapter) parseErrorResponse(statusCode int, respBody []byte, retryAfter *float64) error {
	var errResp geminiErrorResponse
	if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Error.Message == "" {
		return ErrorFromStatusCode(statusCode, fmt.Sprintf("HTTP %d (unparseable body)", statusCode), "gemini", "", json.RawMessage(respBody), retryAfter)
	}
	return ErrorFromStatusCode(statusCode, errResp.Error.Message, "gemini", errResp.Error.Status, json.RawMessage(respBody), retryAfter)
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata"`
	ModelVersion   string                `json:"modelVersion"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

var _ ProviderAdapter = (*GeminiAdapter)(nil)
