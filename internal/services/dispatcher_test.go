package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockroomhq/go-stockroom-sync/internal/backoff"
	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/events"
)

type fakeGate struct {
	mu        sync.Mutex
	on        bool
	listeners []func(bool)
}

func (g *fakeGate) set(v bool) {
	g.mu.Lock()
	g.on = v
	fns := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (g *fakeGate) get() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.on
}

func (g *fakeGate) onChange(fn func(bool)) func() {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
	return func() {}
}

type fakeNet struct{ fakeGate }

func (n *fakeNet) IsOnline() bool                      { return n.get() }
func (n *fakeNet) OnChange(fn func(online bool)) func() { return n.onChange(fn) }

type fakeLeader struct{ fakeGate }

func (l *fakeLeader) IsLeader() bool                       { return l.get() }
func (l *fakeLeader) OnChange(fn func(leader bool)) func() { return l.onChange(fn) }

// scriptSender answers each dispatched mutation from a per-key script,
// recording what it saw.
type scriptSender struct {
	mu    sync.Mutex
	fn    func(m *domain.Mutation) (SendResult, error)
	seen  []domain.Mutation
	calls int
}

func (s *scriptSender) Send(_ context.Context, m *domain.Mutation) (SendResult, error) {
	s.mu.Lock()
	s.seen = append(s.seen, *m)
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	return fn(m)
}

type fixture struct {
	q      *memQueue
	e      *Enqueuer
	d      *Dispatcher
	bus    *events.Bus
	net    *fakeNet
	leader *fakeLeader
	sender *scriptSender
	events []events.Event
	evMu   sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		q:      newMemQueue(),
		bus:    events.NewBus(),
		net:    &fakeNet{},
		leader: &fakeLeader{},
		sender: &scriptSender{fn: func(*domain.Mutation) (SendResult, error) {
			return SendResult{ServerID: "S-1"}, nil
		}},
	}
	f.net.set(true)
	f.leader.set(true)
	f.bus.Subscribe(func(ev events.Event) {
		f.evMu.Lock()
		f.events = append(f.events, ev)
		f.evMu.Unlock()
	})
	f.e = NewEnqueuer(f.q, f.bus, zerolog.Nop())
	f.d = NewDispatcher(f.q, f.sender, f.bus, f.net, f.leader, zerolog.Nop())
	f.d.Overflow = f.e
	return f
}

func (f *fixture) eventsOf(t events.Type) []events.Event {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	var out []events.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestDispatcher_GatedWhileOffline(t *testing.T) {
	f := newFixture(t)
	f.net.set(false)

	if _, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.cycle(context.Background())
	if f.sender.calls != 0 {
		t.Fatal("nothing may be dispatched while offline")
	}

	f.net.set(true)
	f.d.cycle(context.Background())
	if f.sender.calls != 1 {
		t.Fatalf("calls=%d, want dispatch after reconnect", f.sender.calls)
	}
}

func TestDispatcher_GatedWithoutLeadership(t *testing.T) {
	f := newFixture(t)
	f.leader.set(false)

	if _, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.cycle(context.Background())
	if f.sender.calls != 0 {
		t.Fatal("followers must not dispatch")
	}
}

func TestDispatcher_SuccessConfirmsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{ServerID: "B-42"}, nil
	}

	r, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{"name":"Bin 7"}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.cycle(context.Background())

	m := f.q.get(r.IdempotencyKey)
	if m.Status != domain.StatusSynced || m.ServerID != "B-42" {
		t.Fatalf("mutation after dispatch: %+v", m)
	}
	if m.NotifiedAt == nil {
		t.Fatal("confirmed mutation not marked notified")
	}
	synced := f.eventsOf(events.TypeSynced)
	if len(synced) != 1 || synced[0].ServerID != "B-42" {
		t.Fatalf("synced events=%v, want one carrying B-42", synced)
	}
	if got := f.eventsOf(events.TypeSyncing); len(got) != 1 {
		t.Fatalf("syncing events=%v, want one", got)
	}
}

func TestDispatcher_DependencyChainRewritesAndDispatchesInOrder(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(m *domain.Mutation) (SendResult, error) {
		if m.Operation == domain.OpCreate {
			return SendResult{ServerID: "B-42"}, nil
		}
		return SendResult{ServerID: m.ServerID}, nil
	}

	create, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{"name":"Bin 7"}`), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	upd, err := f.e.Enqueue(context.Background(), "bins", domain.OpUpdate,
		json.RawMessage(`{"id":"`+create.LocalID+`","name":"Bin 7b"}`), nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	f.d.cycle(context.Background())

	if f.sender.calls != 2 {
		t.Fatalf("calls=%d, want the chain drained in one cycle", f.sender.calls)
	}
	sent := f.sender.seen[1]
	if sent.ServerID != "B-42" {
		t.Fatalf("second dispatch targeted %q, want the confirmed B-42", sent.ServerID)
	}
	if strings.Contains(string(sent.Payload), create.LocalID) {
		t.Fatalf("payload still references the placeholder: %s", sent.Payload)
	}
	if !strings.Contains(string(sent.Payload), "B-42") {
		t.Fatalf("payload not rewritten to the server id: %s", sent.Payload)
	}
	if m := f.q.get(upd.IdempotencyKey); m.Status != domain.StatusSynced {
		t.Fatalf("dependent not synced: %+v", m)
	}
}

func TestDispatcher_ValidationFailureIsTerminalAndBlocksDependents(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{}, &ValidationError{StatusCode: 422, Message: "name already taken"}
	}

	create, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{"name":"Bin 7"}`), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	upd, err := f.e.Enqueue(context.Background(), "bins", domain.OpUpdate,
		json.RawMessage(`{"id":"`+create.LocalID+`"}`), nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	f.d.cycle(context.Background())

	if f.sender.calls != 1 {
		t.Fatalf("calls=%d, a rejected mutation must not be retried", f.sender.calls)
	}
	m := f.q.get(create.IdempotencyKey)
	if m.Status != domain.StatusFailed || m.LastError != "name already taken" {
		t.Fatalf("mutation after rejection: %+v", m)
	}
	failed := f.eventsOf(events.TypeFailed)
	if len(failed) != 1 || !failed[0].Terminal {
		t.Fatalf("failed events=%v, want one terminal", failed)
	}
	if len(failed[0].Blocked) != 1 || failed[0].Blocked[0] != upd.IdempotencyKey {
		t.Fatalf("blocked=%v, want the dependent's key", failed[0].Blocked)
	}
	dep := f.q.get(upd.IdempotencyKey)
	if dep.Status != domain.StatusPending || dep.DependsOn == "" {
		t.Fatalf("dependent must stay blocked: %+v", dep)
	}
}

func TestDispatcher_TransientFailureReschedulesWithBackoff(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	f.d.Now = func() time.Time { return now }
	f.e.Now = f.d.Now
	f.d.Policy = backoff.Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 5,
		Rand: func(n int64) int64 { return n - 1 }}
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{}, &TransientError{Err: errors.New("server answered 503")}
	}

	r, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.cycle(context.Background())

	if f.sender.calls != 1 {
		t.Fatalf("calls=%d, want a single attempt before backoff", f.sender.calls)
	}
	m := f.q.get(r.IdempotencyKey)
	if m.Status != domain.StatusPending || m.Attempts != 1 {
		t.Fatalf("mutation after transient failure: %+v", m)
	}
	if !m.NextAttemptAt.After(now) {
		t.Fatalf("next attempt %v not pushed past %v", m.NextAttemptAt, now)
	}
	failed := f.eventsOf(events.TypeFailed)
	if len(failed) != 1 || failed[0].Terminal {
		t.Fatalf("failed events=%v, want one non-terminal", failed)
	}

	// Deadline reached: the same mutation is retried.
	now = m.NextAttemptAt.Add(time.Millisecond)
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{ServerID: "B-1"}, nil
	}
	f.d.cycle(context.Background())
	if f.q.get(r.IdempotencyKey).Status != domain.StatusSynced {
		t.Fatal("mutation not synced after the backoff deadline")
	}
}

func TestDispatcher_RetryExhaustionFailsTerminally(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	f.d.Now = func() time.Time { return now }
	f.e.Now = f.d.Now
	f.d.Policy = backoff.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3,
		Rand: func(n int64) int64 { return n - 1 }}
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{}, &TransientError{Err: errors.New("dial tcp: connection refused")}
	}

	r, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.d.cycle(context.Background())
		now = now.Add(time.Second)
	}

	if f.sender.calls != 3 {
		t.Fatalf("calls=%d, want exactly MaxAttempts", f.sender.calls)
	}
	m := f.q.get(r.IdempotencyKey)
	if m.Status != domain.StatusFailed || m.Attempts != 3 {
		t.Fatalf("mutation after exhaustion: %+v", m)
	}
	failed := f.eventsOf(events.TypeFailed)
	if len(failed) != 3 || !failed[2].Terminal {
		t.Fatalf("failed events=%v, want the last one terminal", failed)
	}
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(m *domain.Mutation) (SendResult, error) {
		if m.EntityKind == "bins" {
			return SendResult{}, &TransientError{Err: errors.New("server answered 500")}
		}
		return SendResult{ServerID: "I-1"}, nil
	}

	if _, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := f.e.Enqueue(context.Background(), "items", domain.OpCreate, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.d.cycle(context.Background())

	if m := f.q.get(item.IdempotencyKey); m.Status != domain.StatusSynced {
		t.Fatalf("independent mutation held up by an unrelated failure: %+v", m)
	}
}

func TestDispatcher_DuplicateReplayNormalizedToSuccess(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{ServerID: "B-42", Duplicate: true}, nil
	}

	r, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.cycle(context.Background())

	m := f.q.get(r.IdempotencyKey)
	if m.Status != domain.StatusSynced || m.ServerID != "B-42" {
		t.Fatalf("duplicate replay must confirm the mutation: %+v", m)
	}
	if len(f.eventsOf(events.TypeFailed)) != 0 {
		t.Fatal("duplicate replay must not surface as a failure")
	}
}

func TestDispatcher_ShutdownMidSendReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		cancel() // shutdown races the in-flight send
		return SendResult{}, &TransientError{Err: context.Canceled}
	}

	r, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.cycle(ctx)

	m := f.q.get(r.IdempotencyKey)
	if m.Status != domain.StatusPending || m.Attempts != 0 {
		t.Fatalf("aborted dispatch must not count as an attempt: %+v", m)
	}
}

func TestDispatcher_RunRequeuesInFlightOnElection(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{ServerID: "B-9"}, nil
	}

	// A row left SYNCING by a crashed leader.
	stale := &domain.Mutation{
		IdempotencyKey: "stale-key",
		EntityKind:     "bins",
		Operation:      domain.OpCreate,
		Payload:        json.RawMessage(`{}`),
		Status:         domain.StatusPending,
	}
	if err := f.q.Enqueue(context.Background(), stale); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.q.get("stale-key").Status = domain.StatusSyncing

	synced := make(chan events.Event, 1)
	f.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeSynced {
			select {
			case synced <- ev:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()
	f.d.Kick()

	select {
	case ev := <-synced:
		if ev.IdempotencyKey != "stale-key" || ev.ServerID != "B-9" {
			t.Fatalf("ev=%+v, want the requeued row confirmed", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("requeued in-flight row never dispatched")
	}
	cancel()
	<-done
}

func TestDispatcher_RunToleratesZeroIntervals(t *testing.T) {
	f := newFixture(t)
	f.d.PollInterval = 0
	f.d.PruneInterval = 0

	if _, err := f.e.Enqueue(context.Background(), "bins", domain.OpCreate, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	synced := make(chan events.Event, 1)
	f.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeSynced {
			select {
			case synced <- ev:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()
	f.d.Kick()

	select {
	case <-synced:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not dispatch with unset intervals")
	}
	cancel()
	<-done
}

func TestDispatcher_ElectionResolvesSettledDependencies(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(*domain.Mutation) (SendResult, error) {
		return SendResult{ServerID: "B-42"}, nil
	}

	// The previous leader confirmed the create but crashed before
	// resolving its dependents.
	create := &domain.Mutation{
		IdempotencyKey: "create-key",
		EntityKind:     "bins",
		Operation:      domain.OpCreate,
		LocalID:        "loc-1",
		Payload:        json.RawMessage(`{"name":"Bin 7"}`),
		Status:         domain.StatusPending,
	}
	if err := f.q.Enqueue(context.Background(), create); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	row := f.q.get("create-key")
	row.Status = domain.StatusSynced
	row.ServerID = "B-42"

	dep := &domain.Mutation{
		IdempotencyKey: "update-key",
		EntityKind:     "bins",
		Operation:      domain.OpUpdate,
		LocalID:        "loc-1",
		DependsOn:      "create-key",
		Payload:        json.RawMessage(`{"id":"loc-1","name":"Bin 7b"}`),
		Status:         domain.StatusPending,
	}
	if err := f.q.Enqueue(context.Background(), dep); err != nil {
		t.Fatalf("seed dependent: %v", err)
	}

	synced := make(chan events.Event, 1)
	f.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeSynced && ev.IdempotencyKey == "update-key" {
			select {
			case synced <- ev:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()
	f.d.Kick()

	select {
	case <-synced:
	case <-time.After(3 * time.Second):
		t.Fatal("dependent of an already-confirmed create never dispatched")
	}
	cancel()
	<-done

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.seen) != 1 {
		t.Fatalf("sends=%d, want only the dependent", len(f.sender.seen))
	}
	sent := f.sender.seen[0]
	if sent.ServerID != "B-42" || sent.DependsOn != "" {
		t.Fatalf("sent %+v, want the resolved server target", sent)
	}
	if strings.Contains(string(sent.Payload), "loc-1") || !strings.Contains(string(sent.Payload), "B-42") {
		t.Fatalf("payload not rewritten before send: %s", sent.Payload)
	}
}
