package source

import (
	"context"
	"fmt"

	"github.com/aprio-one/converge/pkg/budget"
)

// QuotaProvider charges a deployment-wide limiter before each completion.
// With a Redis-backed limiter this caps provider spend across every node,
// where RateLimitedProvider only smooths a single process.
type QuotaProvider struct {
	inner   Provider
	limiter budget.Limiter
	key     string
}

func NewQuotaProvider(inner Provider, limiter budget.Limiter, key string) *QuotaProvider {
	return &QuotaProvider{inner: inner, limiter: limiter, key: key}
}

func (p *QuotaProvider) Complete(ctx context.Context, messages []Message, options *SamplingOptions) (string, error) {
	ok, err := p.limiter.Allow(ctx, p.key, 1)
	if err != nil {
		return "", fmt.Errorf("source: quota check: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("source: provider quota exhausted for %s", p.key)
	}
	return p.inner.Complete(ctx, messages, options)
}
