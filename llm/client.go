// ABOUTME: LLM client with provider routing, middleware and transient-error retry.
// ABOUTME: NewClient takes functional options; FromEnv wires real adapters from API keys in the environment.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	muxllm "github.com/2389-research/mux/llm"
)

// Middleware wraps an LLM call. Middleware runs in registration order on the
// way in and reverse order on the way out.
type Middleware func(ctx context.Context, req Request, next NextFunc) (*Response, error)

// NextFunc is the function signature passed to middleware to continue the chain.
type NextFunc func(ctx context.Context, req Request) (*Response, error)

// Client routes requests to a registered ProviderAdapter through the
// middleware chain, retrying transient provider failures.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	retry           RetryPolicy
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithProvider registers a ProviderAdapter under the given name. The first
// provider registered becomes the default unless one is set explicitly.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = name
		}
	}
}

// WithDefaultProvider sets the provider used when a Request has no Provider.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithRetryPolicy replaces the policy used for transient provider errors.
// A policy without OnRetry keeps the default retry logging.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		if p.OnRetry == nil {
			p.OnRetry = logRetry
		}
		c.retry = p
	}
}

// NewClient creates a new Client with the given options applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
		retry:     DefaultRetryPolicy(),
	}
	c.retry.OnRetry = logRetry
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func logRetry(err error, attempt int, delay time.Duration) {
	log.Printf("component=llm action=retry attempt=%d delay=%s err=%v", attempt+1, delay, err)
}

// EnvSettings selects and tunes the adapter FromEnv builds.
type EnvSettings struct {
	// Provider forces a provider ("gemini", "openai", "anthropic"). Empty picks
	// the first one with an API key, in that order.
	Provider string
	Model    string
	BaseURL  string
	Timeout  AdapterTimeout
}

// GeminiAPIKey returns GEMINI_API_KEY, falling back to GENAI_API_KEY.
func GeminiAPIKey() string {
	if k := os.Getenv("GEMINI_API_KEY"); k != "" {
		return k
	}
	return os.Getenv("GENAI_API_KEY")
}

// FromEnv creates a Client with one real adapter chosen by the API keys in the
// environment. Returns a ConfigurationError if no usable key is found.
func FromEnv(settings EnvSettings, opts ...ClientOption) (*Client, error) {
	if settings.Timeout == (AdapterTimeout{}) {
		settings.Timeout = DefaultAdapterTimeout()
	}

	keys := map[string]string{
		"gemini":    GeminiAPIKey(),
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
	}

	name := settings.Provider
	if name == "" {
		for _, candidate := range []string{"gemini", "openai", "anthropic"} {
			if keys[candidate] != "" {
				name = candidate
				break
			}
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no API keys found in environment (checked GEMINI_API_KEY, GENAI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY)",
		}}
	}

	key, known := keys[name]
	if !known {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("unknown provider %q", name)}}
	}
	if key == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("provider %q selected but its API key is not set", name)}}
	}

	var adapter ProviderAdapter
	switch name {
	case "gemini":
		gopts := []GeminiOption{WithGeminiTimeout(settings.Timeout)}
		if settings.BaseURL != "" {
			gopts = append(gopts, WithGeminiBaseURL(settings.BaseURL))
		}
		adapter = NewGeminiAdapter(key, gopts...)
	case "openai":
		adapter = NewOpenAIAdapter(key, settings.BaseURL, WithOpenAITimeout(settings.Timeout))
	case "anthropic":
		adapter = NewMuxAdapter("anthropic", muxllm.NewAnthropicClient(key, settings.Model))
	}

	return NewClient(append([]ClientOption{WithProvider(name, adapter)}, opts...)...), nil
}

// DefaultProvider returns the name requests are routed to when they do not
// pick a provider.
func (c *Client) DefaultProvider() string {
	return c.defaultProvider
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a request through the middleware chain to the resolved
// adapter. Retryable provider errors are retried under the client's policy.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	handler := func(ctx context.Context, req Request) (*Response, error) {
		adapter, err := c.resolveProvider(req)
		if err != nil {
			return nil, err
		}
		var resp *Response
		err = Retry(ctx, c.retry, func() error {
			var callErr error
			resp, callErr = adapter.Complete(ctx, req)
			return callErr
		})
		return resp, err
	}

	chain := handler
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := chain
		chain = func(ctx context.Context, req Request) (*Response, error) {
			return mw(ctx, req, next)
		}
	}

	return chain(ctx, req)
}

// Close shuts down all registered provider adapters.
func (c *Client) Close() error {
	var errs []error
	for name, adapter := range c.providers {
		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// RegisterProvider adds or replaces a provider adapter on the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// LoggingMiddleware logs one line per completion with provider, model,
// duration and token usage.
func LoggingMiddleware() Middleware {
	return func(ctx context.Context, req Request, next NextFunc) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			log.Printf("component=llm action=complete model=%s duration=%s err=%v", req.Model, time.Since(start).Round(time.Millisecond), err)
			return nil, err
		}
		log.Printf("component=llm action=complete provider=%s model=%s duration=%s input_tokens=%d output_tokens=%d",
			resp.Provider, resp.Model, time.Since(start).Round(time.Millisecond), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		return resp, nil
	}
}
