// Package netmon tracks backend reachability. A periodic HTTP probe against
// a lightweight health endpoint flips a single online flag; subscribers
// (the dispatcher, the status API) get edge-triggered notifications on
// transitions only, never on steady state.
//
// The probe is the source of truth: a dispatch failure may race a recovery,
// so consumers treat "online" as a hint to attempt, not a guarantee.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Monitor polls a health URL and maintains the online flag.
type Monitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners map[int]func(online bool)
	nextID    int
}

// New builds a monitor for the given probe URL. The flag starts offline
// until the first successful probe.
func New(url string, interval, timeout time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		url:       url,
		interval:  interval,
		client:    &http.Client{Timeout: timeout},
		log:       log,
		listeners: make(map[int]func(online bool)),
	}
}

// IsOnline reports the last probed connectivity state.
func (m *Monitor) IsOnline() bool { return m.online.Load() }

// OnChange registers a transition listener and returns its unsubscribe
// function. Listeners run on the probe goroutine and must not block.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline forces the flag, firing listeners on a transition. Used by tests
// and by callers that learn about connectivity out of band (a dispatch
// timeout is a strong offline signal worth acting on before the next probe).
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.log.Info().Bool("online", online).Msg("connectivity changed")
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Run probes until ctx is cancelled. The first probe fires immediately so
// startup does not wait a full interval to come online.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		m.SetOnline(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.SetOnline(false)
		return
	}
	resp.Body.Close()
	m.SetOnline(resp.StatusCode >= 200 && resp.StatusCode < 300)
}
