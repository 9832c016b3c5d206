// Package repo implements the durable-store persistence layer for the sync
// engine. This file provides the mutation-queue operations: append, claim,
// status transitions, dependency resolution, and pruning.
//
// All status transitions are conditional updates checked by rows affected, so
// a stale writer (an instance that lost leadership between read and write)
// can never clobber a transition made by the current leader.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/utils"
)

var (
	// ErrDuplicate indicates a mutation with the same idempotency key is
	// already queued.
	ErrDuplicate = errors.New("duplicate")

	// ErrNotClaimed indicates a conditional status transition matched no row,
	// i.e. the mutation was not in the expected prior state.
	ErrNotClaimed = errors.New("not claimed")

	// ErrNotPending indicates a cancellation target exists but is no longer
	// PENDING and therefore cannot be removed.
	ErrNotPending = errors.New("not pending")
)

// EnqueueMutation appends a new PENDING mutation to the queue and returns
// ErrDuplicate when the idempotency key is already present.
func EnqueueMutation(ctx context.Context, db *gorm.DB, m *domain.Mutation) error {
	m.Status = domain.StatusPending
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMutation returns the mutation with the given idempotency key or ErrNotFound.
func GetMutation(ctx context.Context, db *gorm.DB, key string) (*domain.Mutation, error) {
	var m domain.Mutation
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &m, err
}

// NextEligible returns the oldest PENDING mutation that is not blocked by a
// dependency and whose backoff deadline has passed, or ErrNotFound when the
// queue has no dispatchable work. Enqueue order (row ID) is the FIFO lane.
func NextEligible(ctx context.Context, db *gorm.DB, now time.Time) (*domain.Mutation, error) {
	var m domain.Mutation
	err := db.WithContext(ctx).
		Where("status = ? AND depends_on = '' AND next_attempt_at <= ?", domain.StatusPending, now).
		Order("id ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &m, err
}

// ClaimSyncing transitions PENDING → SYNCING. Returns ErrNotClaimed when the
// mutation was not PENDING (already claimed, resolved, or cancelled).
func ClaimSyncing(ctx context.Context, db *gorm.DB, key string) error {
	res := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("idempotency_key = ? AND status = ?", key, domain.StatusPending).
		Updates(map[string]any{"status": domain.StatusSyncing})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkSynced transitions SYNCING → SYNCED, recording the server-confirmed
// identifier when provided.
func MarkSynced(ctx context.Context, db *gorm.DB, key, serverID string) error {
	fields := map[string]any{
		"status":     domain.StatusSynced,
		"last_error": "",
	}
	if serverID != "" {
		fields["server_id"] = serverID
	}
	res := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("idempotency_key = ? AND status = ?", key, domain.StatusSyncing).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkFailed transitions a mutation to terminal FAILED with the given reason
// and attempt count.
func MarkFailed(ctx context.Context, db *gorm.DB, key, reason string, attempts int) error {
	res := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"status":     domain.StatusFailed,
			"last_error": reason,
			"attempts":   attempts,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule moves SYNCING back to PENDING after a retryable failure,
// recording the attempt count, the error, and the earliest next send time.
func Reschedule(ctx context.Context, db *gorm.DB, key string, attempts int, nextAt time.Time, lastErr string) error {
	res := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("idempotency_key = ? AND status = ?", key, domain.StatusSyncing).
		Updates(map[string]any{
			"status":          domain.StatusPending,
			"attempts":        attempts,
			"next_attempt_at": nextAt,
			"last_error":      lastErr,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// ReleaseSyncing moves SYNCING back to PENDING without touching the attempt
// count. Used when the dispatcher pauses (connectivity or leadership loss) so
// a successor never skips the row as "already in flight".
func ReleaseSyncing(ctx context.Context, db *gorm.DB, key string) error {
	res := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("idempotency_key = ? AND status = ?", key, domain.StatusSyncing).
		Updates(map[string]any{"status": domain.StatusPending})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// RequeueInFlight moves every SYNCING mutation back to PENDING. Called when a
// leader starts, covering rows orphaned by a crashed or reloaded instance.
func RequeueInFlight(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("status = ?", domain.StatusSyncing).
		Updates(map[string]any{"status": domain.StatusPending})
	return res.RowsAffected, res.Error
}

// ResolveDependents unblocks every mutation waiting on depKey: the dependency
// link is cleared, payload references to the local placeholder are rewritten
// to the server-confirmed ID, and a dependent targeting the placeholder
// itself inherits the server ID. Returns the unblocked keys.
func ResolveDependents(ctx context.Context, db *gorm.DB, depKey, localID, serverID string) ([]string, error) {
	var deps []domain.Mutation
	if err := db.WithContext(ctx).
		Where("depends_on = ?", depKey).
		Order("id ASC").
		Find(&deps).Error; err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(deps))
	for i := range deps {
		d := &deps[i]
		fields := map[string]any{"depends_on": ""}
		if localID != "" && serverID != "" {
			if rewritten, changed := utils.JSONReplaceString(d.Payload, localID, serverID); changed {
				fields["payload"] = rewritten
			}
			if d.LocalID == localID {
				fields["server_id"] = serverID
			}
		}
		if err := db.WithContext(ctx).Model(&domain.Mutation{}).
			Where("idempotency_key = ?", d.IdempotencyKey).
			Updates(fields).Error; err != nil {
			return keys, err
		}
		keys = append(keys, d.IdempotencyKey)
	}
	return keys, nil
}

// ResolveSettled re-runs dependency resolution for every dependency that is
// already SYNCED. Dependents normally unblock inside the confirming leader's
// dispatch cycle; this sweep covers a leader that crashed after MarkSynced
// but before ResolveDependents. Returns how many dependents were unblocked.
func ResolveSettled(ctx context.Context, db *gorm.DB) (int64, error) {
	var depKeys []string
	if err := db.WithContext(ctx).Model(&domain.Mutation{}).
		Distinct("depends_on").
		Where("depends_on != ''").
		Pluck("depends_on", &depKeys).Error; err != nil {
		return 0, err
	}

	var n int64
	for _, depKey := range depKeys {
		dep, err := GetMutation(ctx, db, depKey)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if dep.Status != domain.StatusSynced {
			continue
		}
		resolved, err := ResolveDependents(ctx, db, dep.IdempotencyKey, dep.LocalID, dep.ServerID)
		n += int64(len(resolved))
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// BlockDependents records a blocked reason on every mutation waiting on
// depKey. The dependency link is kept, so the rows stay PENDING but
// ineligible. Returns the affected keys for the failure event payload.
func BlockDependents(ctx context.Context, db *gorm.DB, depKey, reason string) ([]string, error) {
	var deps []domain.Mutation
	if err := db.WithContext(ctx).
		Where("depends_on = ?", depKey).
		Order("id ASC").
		Find(&deps).Error; err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(deps))
	for i := range deps {
		if err := db.WithContext(ctx).Model(&domain.Mutation{}).
			Where("idempotency_key = ?", deps[i].IdempotencyKey).
			Updates(map[string]any{"last_error": reason}).Error; err != nil {
			return keys, err
		}
		keys = append(keys, deps[i].IdempotencyKey)
	}
	return keys, nil
}

// UnresolvedLocalIDs maps each local placeholder ID of a not-yet-confirmed
// create to the idempotency key of the mutation that will resolve it. The
// enqueuer consults this map to establish dependency links automatically.
func UnresolvedLocalIDs(ctx context.Context, db *gorm.DB) (map[string]string, error) {
	var rows []domain.Mutation
	err := db.WithContext(ctx).
		Select("local_id", "idempotency_key").
		Where("operation = ? AND local_id != '' AND status != ?", domain.OpCreate, domain.StatusSynced).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for i := range rows {
		out[rows[i].LocalID] = rows[i].IdempotencyKey
	}
	return out, nil
}

// ResolvedLocalIDs maps each local placeholder ID of a confirmed create to
// its server-assigned ID. Consulted by the enqueuer so a mutation enqueued
// after its create synced (but before the row was pruned) is rewritten to the
// server ID instead of dispatching the stale placeholder.
func ResolvedLocalIDs(ctx context.Context, db *gorm.DB) (map[string]string, error) {
	var rows []domain.Mutation
	err := db.WithContext(ctx).
		Select("local_id", "server_id").
		Where("operation = ? AND local_id != '' AND server_id != '' AND status = ?",
			domain.OpCreate, domain.StatusSynced).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for i := range rows {
		out[rows[i].LocalID] = rows[i].ServerID
	}
	return out, nil
}

// MarkNotified records that the terminal lifecycle event for a mutation has
// been delivered to observers, which makes the row prunable.
func MarkNotified(ctx context.Context, db *gorm.DB, key string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{"notified_at": now}).Error
}

// PruneTerminal deletes SYNCED and FAILED rows whose events were delivered
// before the cutoff, bounding storage growth.
func PruneTerminal(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status IN ? AND notified_at IS NOT NULL AND notified_at < ?",
			[]domain.Status{domain.StatusSynced, domain.StatusFailed}, cutoff).
		Delete(&domain.Mutation{})
	return res.RowsAffected, res.Error
}

// PruneOldestTerminal deletes up to n of the oldest terminal rows regardless
// of retention, used to free space when the underlying storage rejects a
// write (quota degradation).
func PruneOldestTerminal(ctx context.Context, db *gorm.DB, n int) (int64, error) {
	var ids []int64
	err := db.WithContext(ctx).Model(&domain.Mutation{}).
		Where("status IN ?", []domain.Status{domain.StatusSynced, domain.StatusFailed}).
		Order("id ASC").
		Limit(n).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	res := db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Mutation{})
	return res.RowsAffected, res.Error
}

// CancelPending removes a mutation that is still PENDING and unclaimed.
// Returns ErrNotFound when no such key exists and ErrNotPending when the
// mutation has already been claimed or finished.
func CancelPending(ctx context.Context, db *gorm.DB, key string) error {
	res := db.WithContext(ctx).
		Where("idempotency_key = ? AND status = ?", key, domain.StatusPending).
		Delete(&domain.Mutation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetMutation(ctx, db, key); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// ListMutations returns a page of the queue in enqueue order, optionally
// filtered by status.
func ListMutations(ctx context.Context, db *gorm.DB, status domain.Status, offset, limit int) ([]domain.Mutation, error) {
	q := db.WithContext(ctx).Model(&domain.Mutation{}).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.Mutation
	err := q.Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// CountByStatus returns the number of queued mutations per status.
func CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.Status]int64, error) {
	type row struct {
		Status domain.Status
		N      int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&domain.Mutation{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ClearQueue removes every mutation. Used by operators to reset a corrupted
// or abandoned queue; normal operation relies on PruneTerminal instead.
func ClearQueue(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Where("1 = 1").Delete(&domain.Mutation{}).Error
}
