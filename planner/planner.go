// ABOUTME: LLM-backed implementation of workflow.Planner for both planning stages.
// ABOUTME: Requests JSON output, reads metadata.txt for analysis, and decodes responses into plans.
package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389-research/assay/llm"
	"github.com/2389-research/assay/workflow"
)

// Completer is the slice of llm.Client the planner needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

var _ Completer = (*llm.Client)(nil)

// DefaultModels is the model used per provider when none is configured.
var DefaultModels = map[string]string{
	"gemini":    "gemini-2.5-flash",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
}

// LLMPlanner asks an LLM for data collection and analysis code.
type LLMPlanner struct {
	client      Completer
	provider    string
	model       string
	temperature *float64
	maxTokens   *int
}

var _ workflow.Planner = (*LLMPlanner)(nil)

// Option configures an LLMPlanner.
type Option func(*LLMPlanner)

// WithModel sets the model name sent with every request.
func WithModel(model string) Option {
	return func(p *LLMPlanner) {
		p.model = model
	}
}

// WithProvider routes requests to a named provider of the client.
func WithProvider(provider string) Option {
	return func(p *LLMPlanner) {
		p.provider = provider
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *LLMPlanner) {
		p.temperature = llm.Float64Ptr(t)
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) Option {
	return func(p *LLMPlanner) {
		if n > 0 {
			p.maxTokens = llm.IntPtr(n)
		}
	}
}

// New creates an LLMPlanner. When no model is set the provider's entry in
// DefaultModels is used.
func New(client Completer, opts ...Option) *LLMPlanner {
	p := &LLMPlanner{client: client}
	for _, opt := range opts {
		opt(p)
	}
	if p.model == "" {
		provider := p.provider
		if provider == "" {
			if c, ok := client.(*llm.Client); ok {
				provider = c.DefaultProvider()
			}
		}
		p.model = DefaultModels[provider]
	}
	return p
}

// Model returns the model the planner requests.
func (p *LLMPlanner) Model() string {
	return p.model
}

// Plan asks for data collection code that writes data.csv and metadata.txt
// into folder.
func (p *LLMPlanner) Plan(ctx context.Context, question string, uploads []workflow.Upload, folder string) (*workflow.Plan, error) {
	return p.complete(ctx, "collect", collectSystemPrompt, collectUserPrompt(question, uploads, folder))
}

// PlanAnalysis asks for analysis code that answers questions from the data in
// folder and writes result.json.
func (p *LLMPlanner) PlanAnalysis(ctx context.Context, questions []string, folder string) (*workflow.Plan, error) {
	metadata, err := readMetadata(folder)
	if err != nil {
		return nil, err
	}
	system := fmt.Sprintf(analysisSystemPrompt, artifactPath(folder, workflow.ResultArtifact))
	return p.complete(ctx, "analyze", system, analysisUserPrompt(questions, metadata, folder))
}

func (p *LLMPlanner) complete(ctx context.Context, purpose, system, user string) (*workflow.Plan, error) {
	req := llm.Request{
		Model:          p.model,
		Provider:       p.provider,
		Messages:       []llm.Message{llm.SystemMessage(system), llm.UserMessage(user)},
		ResponseFormat: &llm.ResponseFormat{Type: llm.FormatJSON},
		Temperature:    p.temperature,
		MaxTokens:      p.maxTokens,
	}

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", purpose, err)
	}
	text := resp.TextContent()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: LLM returned empty response", workflow.ErrMalformedPlan)
	}
	if resp.FinishReason.Reason == llm.FinishLength {
		return nil, fmt.Errorf("%w: response truncated at the token limit", workflow.ErrMalformedPlan)
	}
	return workflow.DecodePlan([]byte(text))
}

// readMetadata returns metadata.txt, or MissingMetadataNote if it was never
// written. Large files are cut at maxMetadataBytes.
func readMetadata(folder string) (string, error) {
	f, err := os.Open(filepath.Join(folder, workflow.MetadataArtifact))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MissingMetadataNote, nil
		}
		return "", fmt.Errorf("reading %s: %w", workflow.MetadataArtifact, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMetadataBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", workflow.MetadataArtifact, err)
	}
	if len(data) > maxMetadataBytes {
		return string(data[:maxMetadataBytes]) + "\n[metadata truncated]", nil
	}
	if strings.TrimSpace(string(data)) == "" {
		return MissingMetadataNote, nil
	}
	return string(data), nil
}
