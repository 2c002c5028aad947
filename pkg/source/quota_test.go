package source

import (
	"context"
	"testing"

	"github.com/aprio-one/converge/pkg/budget"
)

func TestQuotaProviderDeniesWhenExhausted(t *testing.T) {
	inner := NewMockProvider(nil).WithFallback("ok")
	limiter := budget.NewLocalLimiter(budget.LimitPolicy{RPM: 60, Burst: 2})
	p := NewQuotaProvider(inner, limiter, "provider:test")

	ctx := context.Background()
	msgs := []Message{{Role: "user", Content: "hello"}}

	for i := range 2 {
		if _, err := p.Complete(ctx, msgs, nil); err != nil {
			t.Fatalf("call %d within burst: %v", i, err)
		}
	}
	if _, err := p.Complete(ctx, msgs, nil); err == nil {
		t.Fatal("expected quota exhaustion after burst")
	}
}
