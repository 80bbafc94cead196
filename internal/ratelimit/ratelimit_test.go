package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func TestConsume_AllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Limit: 2, WindowMs: 60_000}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, "scope", "actor", rule)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected allowed on request %d", i)
		}
	}

	d, err := l.Consume(ctx, "scope", "actor", rule)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected the third request to be denied")
	}
	if d.RetryAfterSeconds <= 0 {
		t.Fatalf("expected positive retry-after, got %d", d.RetryAfterSeconds)
	}
}

func TestConsume_OtherActorsIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Limit: 1, WindowMs: 60_000}
	ctx := context.Background()

	d1, _ := l.Consume(ctx, "scope", "actor-a", rule)
	d2, _ := l.Consume(ctx, "scope", "actor-b", rule)
	if !d1.Allowed || !d2.Allowed {
		t.Fatal("independent actors must not share a bucket")
	}
}

func TestConsume_WindowResets(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Limit: 1, WindowMs: 1000}
	ctx := context.Background()

	clock := time.Now()
	l.now = func() time.Time { return clock }

	d1, _ := l.Consume(ctx, "scope", "actor", rule)
	if !d1.Allowed {
		t.Fatal("expected first request allowed")
	}
	d2, _ := l.Consume(ctx, "scope", "actor", rule)
	if d2.Allowed {
		t.Fatal("expected second request denied within window")
	}

	clock = clock.Add(2 * time.Second)

	d3, _ := l.Consume(ctx, "scope", "actor", rule)
	if !d3.Allowed {
		t.Fatal("expected a fresh allowance after the window elapsed")
	}
}
