package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxcart/voxcart/pkg/provider/speech"
	speechmock "github.com/voxcart/voxcart/pkg/provider/speech/mock"
)

func TestSpeechFallback_Connect_PrimarySuccess(t *testing.T) {
	primary := &speechmock.Provider{}
	secondary := &speechmock.Provider{}

	fb := NewSpeechFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.Connect(context.Background(), speech.SessionConfig{
		Callbacks: speech.Callbacks{OnMessage: func(speech.Event) {}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if primary.Connects() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.Connects())
	}
	if secondary.Connects() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.Connects())
	}
	_ = handle.Close()
}

func TestSpeechFallback_Connect_Failover(t *testing.T) {
	primary := &speechmock.Provider{ConnectErr: errors.New("primary down")}
	secondary := &speechmock.Provider{}

	fb := NewSpeechFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.Connect(context.Background(), speech.SessionConfig{
		Callbacks: speech.Callbacks{OnMessage: func(speech.Event) {}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if secondary.Connects() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.Connects())
	}
	_ = handle.Close()
}

func TestSpeechFallback_Connect_AllFail(t *testing.T) {
	primary := &speechmock.Provider{ConnectErr: errors.New("primary down")}
	secondary := &speechmock.Provider{ConnectErr: errors.New("secondary down")}

	fb := NewSpeechFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Connect(context.Background(), speech.SessionConfig{
		Callbacks: speech.Callbacks{OnMessage: func(speech.Event) {}},
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSpeechFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &speechmock.Provider{ConnectErr: errors.New("primary down")}
	secondary := &speechmock.Provider{}

	fb := NewSpeechFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("secondary", secondary)

	cfg := speech.SessionConfig{
		Callbacks: speech.Callbacks{OnMessage: func(speech.Event) {}},
	}

	// Trip the primary's breaker, then confirm it is no longer dialed.
	for range 3 {
		if _, err := fb.Connect(context.Background(), cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primary.Connects() != 2 {
		t.Fatalf("primary called %d times, want 2", primary.Connects())
	}
	if secondary.Connects() != 3 {
		t.Fatalf("secondary called %d times, want 3", secondary.Connects())
	}
}
