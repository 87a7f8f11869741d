// ABOUTME: OpenAI Chat Completions adapter built on openai-go, with base URL support for compatible providers.
// ABOUTME: Lets the planner run against OpenAI, OpenRouter, Cerebras or any other Chat Completions endpoint.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter implements ProviderAdapter using the Chat Completions API.
type OpenAIAdapter struct {
	client openai.Client
}

// OpenAIOption is a functional option for configuring an OpenAIAdapter.
type OpenAIOption func(*[]option.RequestOption)

// WithOpenAITimeout bounds each request.
func WithOpenAITimeout(timeout AdapterTimeout) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithRequestTimeout(timeout.Request))
	}
}

// WithOpenAIHTTPClient replaces the HTTP client, mainly for tests.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithHTTPClient(c))
	}
}

// NewOpenAIAdapter creates an adapter for the given key. An empty baseURL
// uses api.openai.com. The SDK's own retries are disabled because Client
// applies its RetryPolicy.
func NewOpenAIAdapter(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIAdapter {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	for _, opt := range opts {
		opt(&reqOpts)
	}
	return &OpenAIAdapter{client: openai.NewClient(reqOpts...)}
}

// Name returns the provider name "openai".
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Close is a no-op; the SDK client holds no resources.
func (a *OpenAIAdapter) Close() error {
	return nil
}

// Complete sends a chat completion and converts the result.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, convertOpenAIRequest(req))
	if err != nil {
		return nil, convertOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &NoObjectGeneratedError{SDKError: SDKError{Message: "openai returned no choices"}}
	}

	choice := resp.Choices[0]
	return &Response{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "openai",
		Message:  AssistantMessage(choice.Message.Content),
		FinishReason: FinishReason{
			Reason: mapOpenAIFinishReason(choice.FinishReason),
			Raw:    choice.FinishReason,
		},
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		Raw: json.RawMessage(resp.RawJSON()),
	}, nil
}

func convertOpenAIRequest(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: req.Model,
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.WantsJSON() {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	params.Messages = messages
	return params
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishOther
	}
}

// convertOpenAIError maps SDK API errors onto the error hierarchy.
func convertOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return ErrorFromStatusCode(apiErr.StatusCode, msg, "openai", apiErr.Code, json.RawMessage(apiErr.RawJSON()), nil)
	}
	return &NetworkError{SDKError: SDKError{Message: "openai request failed", Cause: err}}
}

var _ ProviderAdapter = (*OpenAIAdapter)(nil)
