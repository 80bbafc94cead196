package identity

import "testing"

func TestNewOnchainChecker_EmptyConfigReturnsNoop(t *testing.T) {
	c, err := NewOnchainChecker("", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.(*NoopChecker); !ok {
		t.Fatalf("expected *NoopChecker, got %T", c)
	}
}

func TestNoopChecker_AlwaysSkipped(t *testing.T) {
	c := &NoopChecker{}
	res := c.Check(nil, "agent-1", "0xabc")
	if res.Enforced {
		t.Fatal("noop checker must report Enforced=false")
	}
	if res.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", res.Status)
	}
}
