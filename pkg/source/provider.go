package source

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Message is one turn of a provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions pins provider sampling. Deterministic runs fix the seed
// and zero the temperature.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// Provider is the insight backend LLM-driven sources call for completions.
type Provider interface {
	Complete(ctx context.Context, messages []Message, options *SamplingOptions) (string, error)
}

// MockProvider returns scripted completions keyed by the last user message.
// It backs deterministic mode and the eval harness: identical inputs yield
// identical outputs with no network involved.
type MockProvider struct {
	responses map[string]string
	fallback  string
}

func NewMockProvider(responses map[string]string) *MockProvider {
	return &MockProvider{responses: responses}
}

// WithFallback sets the completion returned when no scripted key matches.
func (m *MockProvider) WithFallback(s string) *MockProvider {
	m.fallback = s
	return m
}

func (m *MockProvider) Complete(_ context.Context, messages []Message, _ *SamplingOptions) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("source: empty prompt")
	}
	last := messages[len(messages)-1].Content
	if resp, ok := m.responses[last]; ok {
		return resp, nil
	}
	if m.fallback != "" {
		return m.fallback, nil
	}
	return "", fmt.Errorf("source: no scripted response for prompt %q", truncate(last, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RateLimitedProvider wraps a Provider with a token-bucket limiter so
// parallel compute phases cannot exceed the backend's request quota.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

func NewRateLimitedProvider(inner Provider, rps float64, burst int) *RateLimitedProvider {
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (p *RateLimitedProvider) Complete(ctx context.Context, messages []Message, options *SamplingOptions) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("source: rate limit wait: %w", err)
	}
	return p.inner.Complete(ctx, messages, options)
}
