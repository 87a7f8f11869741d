// ABOUTME: Request and response types shared by the planner's LLM provider adapters.
// ABOUTME: Covers text messages, JSON response mode, token usage and adapter timeouts.

package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role represents who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single text turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system role message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user role message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant role message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// Finish reasons, unified across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishOther         = "other"
)

// FinishReason indicates why generation stopped, with both unified and raw values.
type FinishReason struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption for a single LLM call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add combines two Usage values.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response format types.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ResponseFormat specifies the desired output format.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Request is the unified input for Complete.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Provider       string          `json:"provider,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
}

// WantsJSON reports whether the caller asked for a JSON object response.
func (r Request) WantsJSON() bool {
	return r.ResponseFormat != nil && r.ResponseFormat.Type == FormatJSON
}

// Float64Ptr returns a pointer to a float64 value.
func Float64Ptr(v float64) *float64 {
	return &v
}

// IntPtr returns a pointer to an int value.
func IntPtr(v int) *int {
	return &v
}

// Response is the unified output from a Complete call.
type Response struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	Message      Message         `json:"message"`
	FinishReason FinishReason    `json:"finish_reason"`
	Usage        Usage           `json:"usage"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// TextContent returns the response text.
func (r *Response) TextContent() string {
	return r.Message.Content
}

// ExtractSystemMessages separates system messages from the rest, joining
// their text with newlines.
func ExtractSystemMessages(messages []Message) (systemText string, remaining []Message) {
	var systemParts []string
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}
		remaining = append(remaining, msg)
	}
	return strings.Join(systemParts, "\n"), remaining
}

// AdapterTimeout specifies timeout durations at the adapter level.
type AdapterTimeout struct {
	Connect time.Duration `json:"connect"`
	Request time.Duration `json:"request"`
}

// DefaultAdapterTimeout returns the default adapter timeouts.
func DefaultAdapterTimeout() AdapterTimeout {
	return AdapterTimeout{
		Connect: 10 * time.Second,
		Request: 120 * time.Second,
	}
}
