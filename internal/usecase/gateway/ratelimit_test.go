package gateway

import (
	"testing"
)

func TestBucketConsumesToExhaustion(t *testing.T) {
	l := NewRateLimiter(3, 0.001)
	for i := 0; i < 3; i++ {
		if !l.Check(1) {
			t.Fatalf("check %d denied with tokens remaining", i)
		}
	}
	if l.Check(1) {
		t.Fatal("check allowed on empty bucket")
	}
	if n := l.AvailableTokens(1); n != 0 {
		t.Fatalf("available = %d, want 0", n)
	}
}

func TestSetLimitOverwritesBucket(t *testing.T) {
	l := NewRateLimiter(3, 0.001)
	for i := 0; i < 3; i++ {
		l.Check(1)
	}
	l.SetLimit(1, 10, 0.001)
	if n := l.AvailableTokens(1); n != 10 {
		t.Fatalf("available after SetLimit = %d, want 10", n)
	}
	if !l.Check(1) {
		t.Fatal("fresh bucket denied")
	}
}

func TestResetRestoresFullCapacity(t *testing.T) {
	l := NewRateLimiter(5, 0.001)
	l.SetLimit(1, 5, 0.001)
	for i := 0; i < 5; i++ {
		l.Check(1)
	}
	l.Reset(1)
	if n := l.AvailableTokens(1); n != 5 {
		t.Fatalf("available after reset = %d, want 5", n)
	}
}

func TestAvailableTokensStaysInRange(t *testing.T) {
	l := NewRateLimiter(4, 1000)
	l.Check(1)
	for i := 0; i < 20; i++ {
		if n := l.AvailableTokens(1); n < 0 || n > 4 {
			t.Fatalf("available = %d out of [0, 4]", n)
		}
		l.Check(1)
	}
}

func TestRemoveAgentAndActiveCount(t *testing.T) {
	l := NewRateLimiter(3, 1)
	if l.ActiveAgents() != 0 {
		t.Fatalf("active = %d", l.ActiveAgents())
	}
	l.Check(1)
	l.SetLimit(2, 10, 5)
	if l.ActiveAgents() != 2 {
		t.Fatalf("active = %d, want 2", l.ActiveAgents())
	}
	l.RemoveAgent(1)
	if l.ActiveAgents() != 1 {
		t.Fatalf("active after removal = %d, want 1", l.ActiveAgents())
	}
	// Unknown agents report a full default bucket.
	if n := l.AvailableTokens(1); n != 3 {
		t.Fatalf("available for removed agent = %d, want 3", n)
	}
}
