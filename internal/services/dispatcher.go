// Package services – Dispatcher
//
// This file implements the sync dispatcher: a sequential loop that drains
// the mutation queue in causal order while the instance is online and holds
// the leadership lease. Each mutation is sent to the backend exactly once
// per logical attempt with its idempotency key attached; outcomes become
// status transitions plus lifecycle events, never errors thrown across the
// queue boundary.
//
// Sends never overlap within one instance. A retryable failure reschedules
// only the failing mutation (its dependents stay blocked, unrelated work
// proceeds); a terminal failure surfaces immediately and blocks dependents.
// When connectivity or leadership is lost mid-cycle, the in-progress
// mutation is returned to PENDING so a successor never skips it as already
// in flight.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/stockroomhq/go-stockroom-sync/internal/backoff"
	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/events"
	"github.com/stockroomhq/go-stockroom-sync/internal/metrics"
	"github.com/stockroomhq/go-stockroom-sync/internal/repo"
)

// SendResult is the backend's answer to a dispatched mutation.
type SendResult struct {
	// ServerID is the identifier the backend assigned (creates) or confirmed.
	ServerID string
	// Duplicate is set when the backend reports the idempotency key was
	// already applied; normalized to success by the dispatcher.
	Duplicate bool
}

// Sender delivers one mutation to the backend. Implementations attach the
// idempotency key and classify failures into the services error taxonomy.
type Sender interface {
	Send(ctx context.Context, m *domain.Mutation) (SendResult, error)
}

// Connectivity is the dispatcher's view of the network monitor.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn func(online bool)) (unsubscribe func())
}

// Leadership is the dispatcher's view of the cross-instance coordinator.
type Leadership interface {
	IsLeader() bool
	OnChange(fn func(leader bool)) (unsubscribe func())
}

// Dispatcher drains the mutation queue toward the backend.
type Dispatcher struct {
	Queue  Queue
	Sender Sender
	Bus    *events.Bus
	Net    Connectivity
	Leader Leadership
	Policy backoff.Policy

	// Limiter bounds the send rate after reconnection; nil disables limiting.
	Limiter *rate.Limiter
	// SendTimeout bounds each dispatch attempt; exceeding it is a transient
	// failure.
	SendTimeout time.Duration
	// PruneRetention and PruneInterval control terminal-row cleanup.
	PruneRetention time.Duration
	PruneInterval  time.Duration
	// PollInterval is the idle wake-up period covering backoff deadlines.
	PollInterval time.Duration

	// Overflow, when set, is drained into the queue at the start of each
	// cycle (storage-degradation recovery).
	Overflow interface{ FlushOverflow(ctx context.Context) int }

	// Now is the clock; nil uses time.Now. Injected for tests.
	Now func() time.Time
	Log zerolog.Logger

	kick chan struct{}
}

// NewDispatcher constructs a dispatcher with sane loop defaults.
func NewDispatcher(q Queue, s Sender, bus *events.Bus, net Connectivity, leader Leadership, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Queue:          q,
		Sender:         s,
		Bus:            bus,
		Net:            net,
		Leader:         leader,
		Policy:         backoff.Default(),
		SendTimeout:    10 * time.Second,
		PruneRetention: time.Hour,
		PruneInterval:  5 * time.Minute,
		PollInterval:   time.Second,
		Log:            log,
		kick:           make(chan struct{}, 1),
	}
}

// Kick wakes the loop without blocking. Safe from any goroutine.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run executes the dispatch loop until ctx is cancelled. It subscribes to
// connectivity and leadership transitions so a reconnect or election
// triggers an immediate cycle rather than waiting out the poll interval.
func (d *Dispatcher) Run(ctx context.Context) {
	unsubNet := d.Net.OnChange(func(online bool) {
		metrics.SetOnline(online)
		if online {
			d.Kick()
		}
	})
	defer unsubNet()

	wasLeader := false
	unsubLeader := d.Leader.OnChange(func(leader bool) {
		metrics.SetLeader(leader)
		if leader {
			d.Kick()
		}
	})
	defer unsubLeader()

	// A zero-value Dispatcher must not panic in time.NewTicker.
	poll := time.NewTicker(intervalOr(d.PollInterval, time.Second))
	defer poll.Stop()
	prune := time.NewTicker(intervalOr(d.PruneInterval, 5*time.Minute))
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			d.pruneTerminal(ctx)
			continue
		case <-d.kick:
		case <-poll.C:
		}

		if !d.Net.IsOnline() || !d.Leader.IsLeader() {
			wasLeader = wasLeader && d.Leader.IsLeader()
			continue
		}
		if !wasLeader {
			// Newly elected: reclaim rows a crashed or reloaded leader left
			// in flight, then dispatch.
			if n, err := d.Queue.RequeueInFlight(ctx); err != nil {
				d.Log.Error().Err(err).Msg("requeue in-flight mutations")
			} else if n > 0 {
				d.Log.Info().Int64("count", n).Msg("requeued in-flight mutations from previous leader")
			}
			// A crash between MarkSynced and ResolveDependents leaves
			// dependents wedged on an already-confirmed dependency.
			if n, err := d.Queue.ResolveSettled(ctx); err != nil {
				d.Log.Error().Err(err).Msg("resolve settled dependencies")
			} else if n > 0 {
				d.Log.Info().Int64("count", n).Msg("resolved dependents of already-synced mutations")
			}
			wasLeader = true
		}
		d.cycle(ctx)
	}
}

// cycle drains eligible mutations until the queue is empty or the gates
// (connectivity, leadership, context) close.
func (d *Dispatcher) cycle(ctx context.Context) {
	if d.Overflow != nil {
		d.Overflow.FlushOverflow(ctx)
	}

	for {
		if ctx.Err() != nil || !d.Net.IsOnline() || !d.Leader.IsLeader() {
			return
		}

		m, err := d.Queue.NextEligible(ctx, d.now())
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				d.Log.Error().Err(err).Msg("select next eligible mutation")
			}
			d.updateDepthGauges(ctx)
			return
		}

		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := d.Queue.ClaimSyncing(ctx, m.IdempotencyKey); err != nil {
			// Claimed, resolved, or cancelled since selection; move on.
			if !errors.Is(err, repo.ErrNotClaimed) {
				d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("claim mutation")
			}
			continue
		}
		m.Status = domain.StatusSyncing
		d.Bus.Publish(events.FromMutation(events.TypeSyncing, m))

		d.dispatchOne(ctx, m)
	}
}

// dispatchOne sends a claimed mutation and applies the outcome.
func (d *Dispatcher) dispatchOne(ctx context.Context, m *domain.Mutation) {
	tracer := otel.Tracer("sync/dispatcher")
	sctx, span := tracer.Start(ctx, "sync.dispatch",
		trace.WithAttributes(
			attribute.String("sync.entity_kind", m.EntityKind),
			attribute.String("sync.operation", string(m.Operation)),
			attribute.Int("sync.attempts", m.Attempts),
		))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(sctx, d.SendTimeout)
	start := d.now()
	res, err := d.Sender.Send(sendCtx, m)
	cancel()
	elapsed := d.now().Sub(start)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		outcome := "synced"
		if res.Duplicate {
			outcome = "duplicate"
		}
		metrics.RecordDispatch(outcome, elapsed)
		d.confirm(ctx, m, res.ServerID)

	case ctx.Err() != nil:
		// Shutdown (or leadership revocation cancelled the parent): not a
		// failure of the mutation. Leave it PENDING for the next cycle.
		span.SetStatus(codes.Error, "aborted")
		if relErr := d.Queue.ReleaseSyncing(context.WithoutCancel(ctx), m.IdempotencyKey); relErr != nil {
			d.Log.Error().Err(relErr).Str("idempotency_key", m.IdempotencyKey).Msg("release in-flight mutation")
		}

	case IsTerminal(err):
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordDispatch("validation_failed", elapsed)
		d.fail(ctx, m, err.Error(), m.Attempts+1)

	default:
		// Transient: offline, timeout, 5xx. Includes an offline flip
		// mid-send, which aborts the attempt but stays retryable.
		span.SetStatus(codes.Error, err.Error())
		attempts := m.Attempts + 1
		if d.Policy.Exhausted(attempts) {
			metrics.RecordDispatch("failed", elapsed)
			d.fail(ctx, m, err.Error(), attempts)
			return
		}
		delay := d.Policy.NextDelay(attempts)
		metrics.RecordDispatch("retried", elapsed)
		if rsErr := d.Queue.Reschedule(ctx, m.IdempotencyKey, attempts, d.now().Add(delay), err.Error()); rsErr != nil {
			d.Log.Error().Err(rsErr).Str("idempotency_key", m.IdempotencyKey).Msg("reschedule mutation")
			return
		}
		m.Attempts = attempts
		m.LastError = err.Error()
		ev := events.FromMutation(events.TypeFailed, m)
		ev.Terminal = false
		d.Bus.Publish(ev)
		d.Log.Warn().
			Str("idempotency_key", m.IdempotencyKey).
			Str("entity_kind", m.EntityKind).
			Int("attempts", attempts).
			Dur("backoff", delay).
			Err(err).
			Msg("dispatch failed, rescheduled")
	}
}

// confirm applies a successful (or duplicate-normalized) outcome: record the
// server ID, resolve dependents, notify observers.
func (d *Dispatcher) confirm(ctx context.Context, m *domain.Mutation, serverID string) {
	if serverID == "" {
		serverID = m.ServerID
	}
	if err := d.Queue.MarkSynced(ctx, m.IdempotencyKey, serverID); err != nil {
		d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("mark synced")
		return
	}
	m.Status = domain.StatusSynced
	m.ServerID = serverID
	m.LastError = ""

	if m.LocalID != "" && serverID != "" {
		resolved, err := d.Queue.ResolveDependents(ctx, m.IdempotencyKey, m.LocalID, serverID)
		if err != nil {
			d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("resolve dependents")
		} else if len(resolved) > 0 {
			d.Log.Debug().Strs("unblocked", resolved).Str("server_id", serverID).Msg("dependents resolved")
		}
	}

	d.Bus.Publish(events.FromMutation(events.TypeSynced, m))
	if err := d.Queue.MarkNotified(ctx, m.IdempotencyKey, d.now()); err != nil {
		d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("mark notified")
	}
	d.Log.Info().
		Str("idempotency_key", m.IdempotencyKey).
		Str("entity_kind", m.EntityKind).
		Str("server_id", serverID).
		Msg("mutation synced")
}

// fail applies a terminal failure: record it, surface the reason verbatim,
// and mark dependents blocked.
func (d *Dispatcher) fail(ctx context.Context, m *domain.Mutation, reason string, attempts int) {
	if err := d.Queue.MarkFailed(ctx, m.IdempotencyKey, reason, attempts); err != nil {
		d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("mark failed")
		return
	}
	m.Status = domain.StatusFailed
	m.LastError = reason
	m.Attempts = attempts

	blocked, err := d.Queue.BlockDependents(ctx, m.IdempotencyKey,
		fmt.Sprintf("blocked: dependency %s failed", m.IdempotencyKey))
	if err != nil {
		d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("block dependents")
	}

	ev := events.FromMutation(events.TypeFailed, m)
	ev.Terminal = true
	ev.Blocked = blocked
	d.Bus.Publish(ev)
	if err := d.Queue.MarkNotified(ctx, m.IdempotencyKey, d.now()); err != nil {
		d.Log.Error().Err(err).Str("idempotency_key", m.IdempotencyKey).Msg("mark notified")
	}
	d.Log.Error().
		Str("idempotency_key", m.IdempotencyKey).
		Str("entity_kind", m.EntityKind).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("mutation failed terminally")
}

func (d *Dispatcher) pruneTerminal(ctx context.Context) {
	cutoff := d.now().Add(-d.PruneRetention)
	n, err := d.Queue.PruneTerminal(ctx, cutoff)
	if err != nil {
		d.Log.Error().Err(err).Msg("prune terminal mutations")
		return
	}
	if n > 0 {
		metrics.RecordPruned(n)
		d.Log.Debug().Int64("count", n).Msg("pruned terminal mutations")
	}
}

func (d *Dispatcher) updateDepthGauges(ctx context.Context) {
	counts, err := d.Queue.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusSyncing, domain.StatusSynced, domain.StatusFailed} {
		metrics.SetQueueDepth(string(s), float64(counts[s]))
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func intervalOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
