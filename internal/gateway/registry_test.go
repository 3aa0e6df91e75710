package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/voxcart/voxcart/pkg/backoff"
)

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(ttl, time.Minute, backoff.Policy{})
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := newTestRegistry(time.Hour)

	s := r.Create()
	if s.ID == "" {
		t.Fatal("session has empty id")
	}
	if s.State() != StateInitializing {
		t.Errorf("state = %v, want INITIALIZING", s.State())
	}
	if got := r.Get(s.ID); got != s {
		t.Error("Get returned a different session")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}

	r.Remove(s.ID)
	if r.Get(s.ID) != nil {
		t.Error("session still present after Remove")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := newTestRegistry(time.Hour)

	seen := make(map[string]bool)
	for range 100 {
		s := r.Create()
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestRegistry_Expired(t *testing.T) {
	r := newTestRegistry(10 * time.Millisecond)

	old := r.Create()
	time.Sleep(20 * time.Millisecond)
	fresh := newTestRegistry(time.Hour) // separate registry for a long TTL
	live := fresh.Create()

	expired := r.Expired(time.Now())
	if len(expired) != 1 || expired[0] != old {
		t.Errorf("expired = %v, want exactly the old session", expired)
	}
	if got := fresh.Expired(time.Now()); len(got) != 0 {
		t.Errorf("live session reported expired: %v", got)
	}
	_ = live
}

func TestRegistry_IdleSince(t *testing.T) {
	r := newTestRegistry(time.Hour)

	idle := r.Create()
	time.Sleep(20 * time.Millisecond)
	active := r.Create()
	active.touch()

	got := r.IdleSince(time.Now().Add(-10 * time.Millisecond))
	if len(got) != 1 || got[0] != idle {
		t.Errorf("idle = %v, want exactly the idle session", got)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry(time.Hour)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				s := r.Create()
				_ = r.Get(s.ID)
				r.Remove(s.ID)
			}
		})
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("len = %d, want 0 after balanced create/remove", r.Len())
	}
}
