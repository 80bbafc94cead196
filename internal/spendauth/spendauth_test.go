package spendauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, NoopChainWriter{})
}

// activeDelegation returns a Delegation that passes every validateSpendAuthorization
// check except remaining allowance, which newTestStore's caller seeds via Register.
func activeDelegation(id string) Delegation {
	return Delegation{
		ID:               id,
		OperatorWallet:   "0xOP",
		AgentID:          "agent-1",
		AuthorizedAmount: "1000",
		MaxPerRun:        "500",
		Token:            "USDC",
		Status:           DelegationStatusActive,
		ValidFrom:        time.Now().Add(-time.Hour),
		ValidUntil:       time.Now().Add(time.Hour),
		AllowedActions:   []string{"swap"},
	}
}

func TestConsume_SucceedsWithinAllowance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.Register(ctx, activeDelegation("d1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := s.Consume(ctx, "d1", "0xop", "agent-1", "swap", "USDC", "400")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RemainingAllowanceSnapshot != "600" {
		t.Fatalf("expected remaining 600, got %s", res.RemainingAllowanceSnapshot)
	}
	if res.AuthorizedAmount != "1000" {
		t.Fatalf("expected authorized_amount 1000, got %s", res.AuthorizedAmount)
	}
}

func TestConsume_RejectsOverAllowance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activeDelegation("d1")
	d.AuthorizedAmount = "100"
	d.MaxPerRun = "1000"
	if err := s.Register(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDC", "150")
	if err != ErrInsufficientAllowance {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestConsume_UnknownDelegation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Consume(context.Background(), "missing", "0xOP", "agent-1", "swap", "USDC", "10")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsume_WrongAgentRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, activeDelegation("d1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-2", "swap", "USDC", "10")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for agent mismatch, got %v", err)
	}
}

func TestConsume_RevokedDelegationRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activeDelegation("d1")
	d.Status = DelegationStatusRevoked
	if err := s.Register(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDC", "10")
	if err != ErrInactive {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestConsume_ExpiredDelegationRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activeDelegation("d1")
	d.ValidFrom = time.Now().Add(-2 * time.Hour)
	d.ValidUntil = time.Now().Add(-time.Hour)
	if err := s.Register(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDC", "10")
	if err != ErrOutsideValidityWindow {
		t.Fatalf("expected ErrOutsideValidityWindow, got %v", err)
	}
}

func TestConsume_NotYetValidDelegationRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activeDelegation("d1")
	d.ValidFrom = time.Now().Add(time.Hour)
	d.ValidUntil = time.Now().Add(2 * time.Hour)
	if err := s.Register(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDC", "10")
	if err != ErrOutsideValidityWindow {
		t.Fatalf("expected ErrOutsideValidityWindow, got %v", err)
	}
}

func TestConsume_DisallowedActionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, activeDelegation("d1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "stake", "USDC", "10")
	if err != ErrActionNotAllowed {
		t.Fatalf("expected ErrActionNotAllowed, got %v", err)
	}
}

func TestConsume_OverMaxPerRunRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, activeDelegation("d1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDC", "501")
	if err != ErrExceedsMaxPerRun {
		t.Fatalf("expected ErrExceedsMaxPerRun, got %v", err)
	}
}

func TestConsume_TokenMismatchRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, activeDelegation("d1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDT", "10")
	if err != ErrTokenMismatch {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

func TestConsume_ConcurrentCallsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activeDelegation("d1")
	d.AuthorizedAmount = "100"
	d.MaxPerRun = "40"
	if err := s.Register(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "d1", "0xOP", "agent-1", "swap", "USDC", "40"); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()
	if successes != 2 {
		t.Fatalf("expected exactly 2 of 3 draws of 40 against allowance 100 to succeed, got %d", successes)
	}
}
