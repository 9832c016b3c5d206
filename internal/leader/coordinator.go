// Package leader elects the single dispatching instance among concurrent
// app instances sharing one durable store. Election is a TTL lease row in
// the store itself: whoever wins the conditional write holds dispatch
// rights, renews on a fixed cadence, and is superseded only after the lease
// expires unrenewed. Followers keep enqueuing locally and poll for takeover.
package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LeaseStore is the persistence contract for the lease row.
type LeaseStore interface {
	// Acquire attempts to take or retake the lease; it succeeds only if the
	// lease is free, expired, or already held by holderID.
	Acquire(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	// Renew extends a lease still held by holderID; false means the lease
	// was lost (expired and taken, or released).
	Renew(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	// Release drops the lease if held by holderID.
	Release(ctx context.Context, holderID string) error
}

// Coordinator runs the acquire/renew loop for one instance.
type Coordinator struct {
	store    LeaseStore
	holderID string
	ttl      time.Duration
	renew    time.Duration
	log      zerolog.Logger

	leader atomic.Bool

	mu        sync.Mutex
	listeners map[int]func(leader bool)
	nextID    int
}

// New builds a coordinator. ttl must comfortably exceed the renew interval
// so a single missed renewal does not trigger a takeover.
func New(store LeaseStore, holderID string, ttl, renewInterval time.Duration, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		holderID:  holderID,
		ttl:       ttl,
		renew:     renewInterval,
		log:       log,
		listeners: make(map[int]func(leader bool)),
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

// HolderID returns this instance's identity in the lease table.
func (c *Coordinator) HolderID() string { return c.holderID }

// OnChange registers a leadership transition listener and returns its
// unsubscribe function. Listeners run on the lease goroutine and must not
// block.
func (c *Coordinator) OnChange(fn func(leader bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Run drives the lease loop until ctx is cancelled, then releases the lease
// so a peer can take over immediately instead of waiting out the TTL.
func (c *Coordinator) Run(ctx context.Context) {
	c.tick(ctx)
	t := time.NewTicker(c.renew)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-t.C:
			c.tick(ctx)
		}
	}
}

// tick performs one lease-loop step: renew when leading, otherwise try to
// acquire.
func (c *Coordinator) tick(ctx context.Context) {
	if c.leader.Load() {
		ok, err := c.store.Renew(ctx, c.holderID, c.ttl)
		if err != nil {
			// Store trouble is not loss of the lease; peers see the same
			// store. Keep leading until the lease verifiably moves on.
			c.log.Error().Err(err).Msg("renew lease")
			return
		}
		if !ok {
			c.setLeader(false)
		}
		return
	}

	ok, err := c.store.Acquire(ctx, c.holderID, c.ttl)
	if err != nil {
		c.log.Error().Err(err).Msg("acquire lease")
		return
	}
	if ok {
		c.setLeader(true)
	}
}

func (c *Coordinator) shutdown() {
	if !c.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.Release(ctx, c.holderID); err != nil {
		c.log.Error().Err(err).Msg("release lease on shutdown")
	}
	c.setLeader(false)
}

func (c *Coordinator) setLeader(leader bool) {
	if c.leader.Swap(leader) == leader {
		return
	}
	if leader {
		c.log.Info().Str("holder_id", c.holderID).Msg("acquired dispatch lease")
	} else {
		c.log.Warn().Str("holder_id", c.holderID).Msg("lost dispatch lease")
	}
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(leader)
	}
}
