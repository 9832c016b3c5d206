package services

import (
	"context"
	"time"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
)

// Queue defines the durable-store contract required by the enqueuer and the
// dispatcher. Implementations are responsible for persistence of the
// mutation queue; the primary one is GORM/SQLite, with BoltDB as an
// alternative backend and the same semantics.
//
// All state transitions must be conditional on the prior status (checked by
// the implementation), so concurrent instances sharing one store can never
// double-claim a mutation.
type Queue interface {
	// Enqueue appends a new PENDING mutation; duplicate idempotency keys are
	// rejected.
	Enqueue(ctx context.Context, m *domain.Mutation) error

	// Get returns a mutation by idempotency key.
	Get(ctx context.Context, key string) (*domain.Mutation, error)

	// NextEligible returns the oldest dispatchable PENDING mutation: not
	// blocked by a dependency and past its backoff deadline.
	NextEligible(ctx context.Context, now time.Time) (*domain.Mutation, error)

	// ClaimSyncing transitions PENDING → SYNCING.
	ClaimSyncing(ctx context.Context, key string) error

	// MarkSynced transitions SYNCING → SYNCED, recording the server ID.
	MarkSynced(ctx context.Context, key, serverID string) error

	// MarkFailed transitions to terminal FAILED.
	MarkFailed(ctx context.Context, key, reason string, attempts int) error

	// Reschedule moves SYNCING back to PENDING with a backoff deadline.
	Reschedule(ctx context.Context, key string, attempts int, nextAt time.Time, lastErr string) error

	// ReleaseSyncing moves SYNCING back to PENDING without counting an
	// attempt (dispatch pause, not a failure).
	ReleaseSyncing(ctx context.Context, key string) error

	// RequeueInFlight returns every SYNCING row to PENDING (crash recovery).
	RequeueInFlight(ctx context.Context) (int64, error)

	// ResolveDependents unblocks mutations waiting on depKey, rewriting
	// local-ID references to the server-confirmed ID.
	ResolveDependents(ctx context.Context, depKey, localID, serverID string) ([]string, error)

	// ResolveSettled re-runs dependency resolution for dependencies that are
	// already SYNCED, covering a leader that crashed between confirming a
	// mutation and unblocking its dependents. Returns how many dependents
	// were unblocked.
	ResolveSettled(ctx context.Context) (int64, error)

	// BlockDependents records a blocked reason on mutations waiting on a
	// failed dependency; they stay PENDING and ineligible.
	BlockDependents(ctx context.Context, depKey, reason string) ([]string, error)

	// UnresolvedLocalIDs maps local placeholder IDs of unconfirmed creates to
	// the idempotency keys of the mutations that will resolve them.
	UnresolvedLocalIDs(ctx context.Context) (map[string]string, error)

	// ResolvedLocalIDs maps local placeholder IDs of confirmed creates to
	// their server-assigned IDs, so late enqueues referencing an already
	// synced placeholder are rewritten immediately.
	ResolvedLocalIDs(ctx context.Context) (map[string]string, error)

	// MarkNotified records that a terminal event was delivered, making the
	// row prunable.
	MarkNotified(ctx context.Context, key string, now time.Time) error

	// PruneTerminal deletes notified terminal rows older than cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneOldestTerminal frees space by deleting up to n of the oldest
	// terminal rows (storage-quota degradation).
	PruneOldestTerminal(ctx context.Context, n int) (int64, error)

	// CountByStatus returns queue depth per status.
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}
