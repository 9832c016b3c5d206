// Package services – Enqueuer
//
// This file implements the mutation enqueuer, the entry point callers use to
// register an intended write while online or offline. It assigns the
// idempotency key and (for creates) a local placeholder ID, links the new
// mutation to an earlier one when the payload references a not-yet-persisted
// entity, invokes the caller's optimistic projection, and persists the
// mutation durably before returning.
//
// Enqueue never blocks on network I/O. The only failure modes surfaced to
// the caller are invalid arguments; storage trouble degrades to in-memory
// tracking rather than losing the mutation.
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/events"
	"github.com/stockroomhq/go-stockroom-sync/internal/metrics"
	"github.com/stockroomhq/go-stockroom-sync/internal/utils"
)

// storageUnavailable is the lastError marker for mutations held in memory
// because the durable store rejected the write.
const storageUnavailable = "storage-unavailable"

// quotaPruneBatch is how many old terminal rows are freed before retrying a
// rejected write.
const quotaPruneBatch = 16

// Receipt correlates an enqueued mutation with its optimistic projection:
// LocalID is the placeholder the UI may already be rendering, and
// IdempotencyKey identifies the mutation in later lifecycle events.
type Receipt struct {
	IdempotencyKey string `json:"idempotency_key"`
	LocalID        string `json:"local_id,omitempty"`
}

// Enqueuer registers intended writes in the durable queue.
type Enqueuer struct {
	// Queue is the durable store backing the mutation queue.
	Queue Queue
	// Bus receives the queued lifecycle event.
	Bus *events.Bus
	// Kick, when set, is called after a successful enqueue to wake the
	// dispatcher. Must not block.
	Kick func()
	// Now is the clock; nil uses time.Now. Injected for tests.
	Now func() time.Time
	// Log is the structured logger for degradation warnings.
	Log zerolog.Logger

	// mu guards overflow, the memory-only mutations awaiting a recovered
	// store.
	mu       sync.Mutex
	overflow []*domain.Mutation
}

// NewEnqueuer constructs an Enqueuer over the given queue and event bus.
func NewEnqueuer(q Queue, bus *events.Bus, log zerolog.Logger) *Enqueuer {
	return &Enqueuer{Queue: q, Bus: bus, Log: log}
}

// Enqueue registers a write of the given operation against entityKind.
//
// For creates a fresh local placeholder ID is generated; for updates and
// deletes the target identifier is taken from the payload's "id" field. When
// any payload string references a still-unresolved local ID from an earlier
// create, the new mutation is linked to it via dependsOn and will not be
// dispatched before the dependency is confirmed. References to placeholders
// whose create already synced are rewritten to the server ID instead.
//
// optimisticApply is invoked synchronously with the entity identifier (local
// or server) before Enqueue returns, so the caller can project the write
// into its in-memory state. The callback is best-effort: a panic inside it
// is swallowed and the mutation is enqueued regardless.
func (e *Enqueuer) Enqueue(ctx context.Context, entityKind string, op domain.Operation, payload json.RawMessage, optimisticApply func(entityID string)) (Receipt, error) {
	if entityKind == "" {
		return Receipt{}, ErrEmptyEntityKind
	}
	if !op.Valid() {
		return Receipt{}, ErrInvalidOperation
	}

	now := e.now()
	m := &domain.Mutation{
		IdempotencyKey: uuid.NewString(),
		EntityKind:     entityKind,
		Operation:      op,
		Payload:        payload,
		Status:         domain.StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unresolved, err := e.Queue.UnresolvedLocalIDs(ctx)
	if err != nil {
		// Dependency detection is best-effort under storage trouble; the
		// mutation is still enqueued without a link.
		e.Log.Warn().Err(err).Msg("dependency scan failed")
		unresolved = nil
	}

	// Placeholders of creates that already synced (but are not pruned yet)
	// are rewritten up front, so a late enqueue never carries a stale
	// local ID toward the backend.
	resolved, err := e.Queue.ResolvedLocalIDs(ctx)
	if err != nil {
		e.Log.Warn().Err(err).Msg("resolved-placeholder scan failed")
		resolved = nil
	}
	for localID, serverID := range resolved {
		if rewritten, changed := utils.JSONReplaceString(m.Payload, localID, serverID); changed {
			m.Payload = rewritten
		}
	}

	switch op {
	case domain.OpCreate:
		m.LocalID = "loc-" + uuid.NewString()
	default:
		target := utils.JSONStringField(m.Payload, "id")
		if depKey, ok := unresolved[target]; ok {
			// Targeting an entity that does not exist server-side yet.
			m.LocalID = target
			m.DependsOn = depKey
		} else {
			m.ServerID = target
		}
	}
	if m.DependsOn == "" && len(unresolved) > 0 {
		// Any other payload reference to a pending create also forces
		// ordering (e.g. a loan referencing a borrower being created).
		for _, s := range utils.JSONStringValues(m.Payload) {
			if depKey, ok := unresolved[s]; ok && s != m.LocalID {
				m.DependsOn = depKey
				break
			}
		}
	}

	applyOptimistic(optimisticApply, m.EntityID(), e.Log)

	e.persist(ctx, m)
	metrics.RecordEnqueued(entityKind, string(op))
	e.Bus.Publish(events.FromMutation(events.TypeQueued, m))
	if e.Kick != nil {
		e.Kick()
	}
	return Receipt{IdempotencyKey: m.IdempotencyKey, LocalID: m.LocalID}, nil
}

// FlushOverflow retries persisting memory-only mutations after storage
// trouble. Called by the dispatcher at the start of each cycle; returns how
// many mutations made it into the durable queue.
func (e *Enqueuer) FlushOverflow(ctx context.Context) int {
	e.mu.Lock()
	pending := e.overflow
	e.overflow = nil
	e.mu.Unlock()
	if len(pending) == 0 {
		return 0
	}

	flushed := 0
	for _, m := range pending {
		if err := e.Queue.Enqueue(ctx, m); err != nil {
			e.mu.Lock()
			e.overflow = append(e.overflow, m)
			e.mu.Unlock()
			continue
		}
		flushed++
	}
	if flushed > 0 {
		e.Log.Info().Int("count", flushed).Msg("recovered memory-only mutations into durable queue")
	}
	return flushed
}

// OverflowDepth returns how many mutations are currently tracked in memory
// only.
func (e *Enqueuer) OverflowDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.overflow)
}

// persist writes the mutation durably, degrading gracefully when the store
// rejects the write: old terminal rows are pruned and the write retried
// once; if it still fails the mutation is kept in memory and flagged.
func (e *Enqueuer) persist(ctx context.Context, m *domain.Mutation) {
	err := e.Queue.Enqueue(ctx, m)
	if err == nil {
		return
	}

	if _, pruneErr := e.Queue.PruneOldestTerminal(ctx, quotaPruneBatch); pruneErr == nil {
		if err = e.Queue.Enqueue(ctx, m); err == nil {
			return
		}
	}

	m.LastError = storageUnavailable
	e.mu.Lock()
	e.overflow = append(e.overflow, m)
	e.mu.Unlock()
	metrics.RecordStorageDegradation()
	e.Log.Warn().
		Err(err).
		Str("idempotency_key", m.IdempotencyKey).
		Msg("durable store rejected write, tracking mutation in memory only")
}

func (e *Enqueuer) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// applyOptimistic runs the caller's projection callback, isolating panics.
// Optimistic UI is best-effort; durability is not.
func applyOptimistic(fn func(string), id string, log zerolog.Logger) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("optimistic apply panicked")
		}
	}()
	fn(id)
}
