package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("connection reset")

	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if !IsTransient(Transient(base)) {
		t.Error("expected wrapped error to be transient")
	}
	if IsTransient(base) {
		t.Error("unwrapped error should not be transient")
	}

	// Marking survives further wrapping.
	wrapped := errors.Join(errors.New("outer"), Transient(base))
	if !IsTransient(wrapped) {
		t.Error("expected transient marking to survive wrapping")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("expected errors.Is to see through the transient wrapper")
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), "list", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("throttled"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	fatal := errors.New("schema mismatch")
	calls := 0
	err := fastPolicy(4).Do(context.Background(), "copy", func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	base := errors.New("unreachable")
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "list", func(ctx context.Context) error {
		calls++
		return Transient(base)
	})
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	if !errors.Is(err, base) {
		t.Errorf("expected underlying error in chain, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy(4).Do(ctx, "list", func(ctx context.Context) error {
		return Transient(errors.New("nope"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero attempts", Policy{MaxAttempts: 0}, true},
		{"negative base delay", Policy{MaxAttempts: 1, BaseDelay: -1}, true},
		{"negative max delay", Policy{MaxAttempts: 1, MaxDelay: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	if d := p.delay(1); d != time.Second {
		t.Errorf("delay(1) = %v, want 1s", d)
	}
	if d := p.delay(2); d != 2*time.Second {
		t.Errorf("delay(2) = %v, want 2s", d)
	}
	if d := p.delay(5); d != 4*time.Second {
		t.Errorf("delay(5) = %v, want capped 4s", d)
	}
}
