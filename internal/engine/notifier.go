package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/events"
)

// notifierPage bounds one List call during a terminal sweep.
const notifierPage = 256

// notifier mirrors terminal outcomes from the shared store onto the local
// event bus. The dispatching leader publishes outcomes synchronously as it
// confirms them; every other instance only sees the shared store change, so
// the notifier sweeps SYNCED and FAILED rows and publishes the ones this
// process has not delivered yet. Rows survive until the leader prunes them
// (retention is orders of magnitude longer than the sweep interval), which
// is the window followers rely on.
//
// Delivery stays at-least-once: a sweep racing the leader's own confirm can
// publish an outcome the bus is delivering concurrently.
type notifier struct {
	store    Store
	bus      *events.Bus
	interval time.Duration
	log      zerolog.Logger

	// mu guards seen, the terminal keys already delivered locally.
	mu   sync.Mutex
	seen map[string]struct{}
}

func newNotifier(store Store, bus *events.Bus, interval time.Duration, log zerolog.Logger) *notifier {
	if interval <= 0 {
		interval = time.Second
	}
	return &notifier{
		store:    store,
		bus:      bus,
		interval: interval,
		log:      log,
		seen:     make(map[string]struct{}),
	}
}

// Run sweeps until ctx is cancelled. Outcomes the local bus already carried
// (the leader's own confirms) are recorded via a bus subscription so the
// sweep does not replay them.
func (n *notifier) Run(ctx context.Context) {
	unsub := n.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeSynced || (ev.Type == events.TypeFailed && ev.Terminal) {
			n.mu.Lock()
			n.seen[ev.IdempotencyKey] = struct{}{}
			n.mu.Unlock()
		}
	})
	defer unsub()

	t := time.NewTicker(n.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.sweep(ctx)
		}
	}
}

// sweep publishes terminal rows this process has not delivered yet and drops
// bookkeeping for rows the leader pruned.
func (n *notifier) sweep(ctx context.Context) {
	terminal := make(map[string]*domain.Mutation)
	for _, status := range []domain.Status{domain.StatusSynced, domain.StatusFailed} {
		offset := 0
		for {
			page, err := n.store.List(ctx, status, offset, notifierPage)
			if err != nil {
				n.log.Warn().Err(err).Msg("terminal outcome sweep failed")
				return
			}
			for i := range page {
				terminal[page[i].IdempotencyKey] = &page[i]
			}
			if len(page) < notifierPage {
				break
			}
			offset += len(page)
		}
	}

	n.mu.Lock()
	for key := range n.seen {
		if _, ok := terminal[key]; !ok {
			delete(n.seen, key)
		}
	}
	var fresh []*domain.Mutation
	for key, m := range terminal {
		if _, ok := n.seen[key]; ok {
			continue
		}
		n.seen[key] = struct{}{}
		fresh = append(fresh, m)
	}
	n.mu.Unlock()

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	for _, m := range fresh {
		typ := events.TypeSynced
		if m.Status == domain.StatusFailed {
			typ = events.TypeFailed
		}
		ev := events.FromMutation(typ, m)
		if typ == events.TypeFailed {
			ev.Terminal = true
		}
		n.bus.Publish(ev)
	}
}
