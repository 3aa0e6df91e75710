package backoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPolicy_DelaySchedule(t *testing.T) {
	p := Policy{Base: 1000 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 5}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_DelayCapped(t *testing.T) {
	p := Policy{Base: 1 * time.Second, Max: 5 * time.Second, MaxAttempts: 10}
	if got := p.Delay(4); got != 5*time.Second {
		t.Errorf("Delay(4) = %v, want capped 5s", got)
	}
	if got := p.Delay(60); got != 5*time.Second {
		t.Errorf("Delay(60) = %v, want capped 5s (no overflow)", got)
	}
}

func TestPolicy_Defaults(t *testing.T) {
	var p Policy
	if got := p.Delay(1); got != DefaultBase {
		t.Errorf("Delay(1) = %v, want default base %v", got, DefaultBase)
	}
}

func TestRetrier_BudgetEnforced(t *testing.T) {
	r := NewRetrier(Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := r.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: unexpected error %v", i, err)
		}
		if r.Attempt() != i {
			t.Errorf("Attempt() = %d, want %d", r.Attempt(), i)
		}
	}

	// No 4th attempt.
	if err := r.Wait(ctx); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Wait after budget = %v, want ErrBudgetExhausted", err)
	}
	if r.Attempt() != 3 {
		t.Errorf("exhausted Wait consumed an attempt: %d", r.Attempt())
	}
}

func TestRetrier_ResetRestoresBudget(t *testing.T) {
	r := NewRetrier(Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1})
	ctx := context.Background()

	if err := r.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := r.Wait(ctx); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("want exhausted, got %v", err)
	}

	r.Reset()
	if r.Attempt() != 0 {
		t.Errorf("Attempt() after reset = %d, want 0", r.Attempt())
	}
	if err := r.Wait(ctx); err != nil {
		t.Errorf("Wait after reset: %v", err)
	}
}

func TestRetrier_ConcurrentCounterAccess(t *testing.T) {
	// One goroutine drives Wait while others read and reset the counter, as
	// the client does from Stats and dial. Run with -race.
	r := NewRetrier(Policy{Base: time.Microsecond, Max: time.Microsecond, MaxAttempts: 1 << 20})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Go(func() {
		<-start
		for range 100 {
			if err := r.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
		}
	})
	wg.Go(func() {
		<-start
		for range 500 {
			if r.Attempt() < 0 || r.Remaining() < 0 {
				t.Error("counter went negative")
				return
			}
		}
	})
	wg.Go(func() {
		<-start
		for range 50 {
			r.Reset()
		}
	})
	close(start)
	wg.Wait()
}

func TestRetrier_ContextCancelled(t *testing.T) {
	r := NewRetrier(Policy{Base: time.Hour, Max: time.Hour, MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}
