package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memLease is an in-memory LeaseStore with real TTL semantics.
type memLease struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	now     func() time.Time

	acquireErr error
	renewErr   error
}

func newMemLease() *memLease {
	return &memLease{now: time.Now}
}

func (s *memLease) Acquire(_ context.Context, holderID string, ttl time.Duration) (bool, error) {
	if s.acquireErr != nil {
		return false, s.acquireErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.holder == "" || s.holder == holderID || now.After(s.expires) {
		s.holder = holderID
		s.expires = now.Add(ttl)
		return true, nil
	}
	return false, nil
}

func (s *memLease) Renew(_ context.Context, holderID string, ttl time.Duration) (bool, error) {
	if s.renewErr != nil {
		return false, s.renewErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.holder != holderID || now.After(s.expires) {
		return false, nil
	}
	s.expires = now.Add(ttl)
	return true, nil
}

func (s *memLease) Release(_ context.Context, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == holderID {
		s.holder = ""
	}
	return nil
}

func TestCoordinator_AcquiresFreeLease(t *testing.T) {
	store := newMemLease()
	c := New(store, "inst-a", 15*time.Second, 5*time.Second, zerolog.Nop())

	c.tick(context.Background())
	if !c.IsLeader() {
		t.Fatal("expected leadership after acquiring a free lease")
	}
}

func TestCoordinator_MutualExclusion(t *testing.T) {
	store := newMemLease()
	a := New(store, "inst-a", 15*time.Second, 5*time.Second, zerolog.Nop())
	b := New(store, "inst-b", 15*time.Second, 5*time.Second, zerolog.Nop())

	a.tick(context.Background())
	b.tick(context.Background())
	if !a.IsLeader() {
		t.Fatal("expected inst-a to lead")
	}
	if b.IsLeader() {
		t.Fatal("expected inst-b to stay follower while the lease is held")
	}
}

func TestCoordinator_TakeoverAfterExpiry(t *testing.T) {
	store := newMemLease()
	base := time.Now()
	store.now = func() time.Time { return base }

	a := New(store, "inst-a", 15*time.Second, 5*time.Second, zerolog.Nop())
	b := New(store, "inst-b", 15*time.Second, 5*time.Second, zerolog.Nop())

	a.tick(context.Background())
	if !a.IsLeader() {
		t.Fatal("expected inst-a to lead")
	}

	// inst-a stops renewing; the lease expires.
	store.now = func() time.Time { return base.Add(16 * time.Second) }

	b.tick(context.Background())
	if !b.IsLeader() {
		t.Fatal("expected inst-b to take over the expired lease")
	}

	// inst-a's next renewal fails and it demotes itself.
	a.tick(context.Background())
	if a.IsLeader() {
		t.Fatal("expected inst-a to lose leadership after a failed renewal")
	}
}

func TestCoordinator_StoreErrorKeepsLeadership(t *testing.T) {
	store := newMemLease()
	c := New(store, "inst-a", 15*time.Second, 5*time.Second, zerolog.Nop())

	c.tick(context.Background())
	if !c.IsLeader() {
		t.Fatal("expected leadership")
	}

	store.renewErr = errors.New("disk full")
	c.tick(context.Background())
	if !c.IsLeader() {
		t.Fatal("store error must not demote the leader")
	}
}

func TestCoordinator_OnChangeTransitionsOnly(t *testing.T) {
	store := newMemLease()
	c := New(store, "inst-a", 15*time.Second, 5*time.Second, zerolog.Nop())

	var calls int
	var last bool
	unsub := c.OnChange(func(leader bool) {
		calls++
		last = leader
	})
	defer unsub()

	c.tick(context.Background())
	c.tick(context.Background()) // renew, no transition
	if calls != 1 || !last {
		t.Fatalf("calls=%d last=%v, want a single gain notification", calls, last)
	}

	c.shutdown()
	if calls != 2 || last {
		t.Fatalf("calls=%d last=%v, want a loss notification on shutdown", calls, last)
	}
	if store.holder != "" {
		t.Fatalf("holder=%q, want lease released on shutdown", store.holder)
	}
}
