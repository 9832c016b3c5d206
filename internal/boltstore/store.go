// Package boltstore implements the durable mutation queue and leadership
// lease on BoltDB, as an embedded alternative to the SQLite backend for
// deployments that want a single-file store without CGO or SQL.
//
// Layout: the "mutations" bucket maps idempotency key to the JSON-encoded
// record; the "order" bucket maps a big-endian sequence number to the key,
// preserving enqueue order for FIFO scans; the "leases" bucket holds the
// dispatch lease row. All operations run inside Bolt transactions, so the
// same conditional-transition semantics hold as with the SQL backend.
//
// Bolt takes an exclusive file lock, so this backend serves a single process
// only; deployments where several processes share one queue need the SQLite
// backend.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/repo"
	"github.com/stockroomhq/go-stockroom-sync/internal/utils"
)

var (
	bucketMutations = []byte("mutations")
	bucketOrder     = []byte("order")
	bucketLeases    = []byte("leases")
)

// Store is a BoltDB-backed durable store. Safe for concurrent use.
type Store struct {
	db *bolt.DB

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// Open opens (or creates) the Bolt database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMutations, bucketOrder, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func seqKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func putMutation(tx *bolt.Tx, m *domain.Mutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMutations).Put([]byte(m.IdempotencyKey), data)
}

func getMutation(tx *bolt.Tx, key string) (*domain.Mutation, error) {
	v := tx.Bucket(bucketMutations).Get([]byte(key))
	if v == nil {
		return nil, repo.ErrNotFound
	}
	var m domain.Mutation
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue appends a new mutation, rejecting duplicate idempotency keys.
func (s *Store) Enqueue(_ context.Context, m *domain.Mutation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMutations).Get([]byte(m.IdempotencyKey)) != nil {
			return repo.ErrDuplicate
		}
		seq, err := tx.Bucket(bucketOrder).NextSequence()
		if err != nil {
			return err
		}
		m.ID = int64(seq)
		now := s.now()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		if err := tx.Bucket(bucketOrder).Put(seqKey(m.ID), []byte(m.IdempotencyKey)); err != nil {
			return err
		}
		return putMutation(tx, m)
	})
}

// Get returns a mutation by idempotency key.
func (s *Store) Get(_ context.Context, key string) (*domain.Mutation, error) {
	var out *domain.Mutation
	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := getMutation(tx, key)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// forEachOrdered walks mutations in enqueue order; fn returning false stops
// the scan.
func forEachOrdered(tx *bolt.Tx, fn func(m *domain.Mutation) (bool, error)) error {
	c := tx.Bucket(bucketOrder).Cursor()
	for k, key := c.First(); k != nil; k, key = c.Next() {
		m, err := getMutation(tx, string(key))
		if err != nil {
			if err == repo.ErrNotFound {
				continue // order entry of a deleted mutation
			}
			return err
		}
		cont, err := fn(m)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// NextEligible returns the oldest dispatchable PENDING mutation.
func (s *Store) NextEligible(_ context.Context, now time.Time) (*domain.Mutation, error) {
	var out *domain.Mutation
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.Status == domain.StatusPending && m.DependsOn == "" && !m.NextAttemptAt.After(now) {
				out = m
				return false, nil
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, repo.ErrNotFound
	}
	return out, nil
}

// update applies fn to the stored mutation inside one transaction.
func (s *Store) update(key string, fn func(m *domain.Mutation) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMutation(tx, key)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.UpdatedAt = s.now()
		return putMutation(tx, m)
	})
}

// ClaimSyncing transitions PENDING to SYNCING.
func (s *Store) ClaimSyncing(_ context.Context, key string) error {
	err := s.update(key, func(m *domain.Mutation) error {
		if m.Status != domain.StatusPending {
			return repo.ErrNotClaimed
		}
		m.Status = domain.StatusSyncing
		return nil
	})
	if err == repo.ErrNotFound {
		return repo.ErrNotClaimed
	}
	return err
}

// MarkSynced transitions SYNCING to SYNCED and records the server ID.
func (s *Store) MarkSynced(_ context.Context, key, serverID string) error {
	return s.update(key, func(m *domain.Mutation) error {
		m.Status = domain.StatusSynced
		m.ServerID = serverID
		m.LastError = ""
		return nil
	})
}

// MarkFailed transitions to terminal FAILED.
func (s *Store) MarkFailed(_ context.Context, key, reason string, attempts int) error {
	return s.update(key, func(m *domain.Mutation) error {
		m.Status = domain.StatusFailed
		m.LastError = reason
		m.Attempts = attempts
		return nil
	})
}

// Reschedule returns a SYNCING mutation to PENDING with a backoff deadline.
func (s *Store) Reschedule(_ context.Context, key string, attempts int, nextAt time.Time, lastErr string) error {
	return s.update(key, func(m *domain.Mutation) error {
		m.Status = domain.StatusPending
		m.Attempts = attempts
		m.NextAttemptAt = nextAt
		m.LastError = lastErr
		return nil
	})
}

// ReleaseSyncing returns a SYNCING mutation to PENDING without counting an
// attempt.
func (s *Store) ReleaseSyncing(_ context.Context, key string) error {
	err := s.update(key, func(m *domain.Mutation) error {
		if m.Status != domain.StatusSyncing {
			return errSkip
		}
		m.Status = domain.StatusPending
		return nil
	})
	if err == errSkip || err == repo.ErrNotFound {
		return nil
	}
	return err
}

// errSkip aborts an update without surfacing an error.
var errSkip = fmt.Errorf("skip")

// RequeueInFlight returns every SYNCING mutation to PENDING.
func (s *Store) RequeueInFlight(_ context.Context) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.Status != domain.StatusSyncing {
				return true, nil
			}
			m.Status = domain.StatusPending
			m.UpdatedAt = s.now()
			if err := putMutation(tx, m); err != nil {
				return false, err
			}
			n++
			return true, nil
		})
	})
	return n, err
}

// ResolveDependents unblocks mutations waiting on depKey, rewriting local-ID
// references to the confirmed server ID.
func (s *Store) ResolveDependents(_ context.Context, depKey, localID, serverID string) ([]string, error) {
	var keys []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.DependsOn != depKey {
				return true, nil
			}
			m.DependsOn = ""
			if localID != "" && serverID != "" {
				if rewritten, changed := utils.JSONReplaceString(m.Payload, localID, serverID); changed {
					m.Payload = rewritten
				}
				if m.LocalID == localID {
					m.ServerID = serverID
				}
			}
			m.UpdatedAt = s.now()
			if err := putMutation(tx, m); err != nil {
				return false, err
			}
			keys = append(keys, m.IdempotencyKey)
			return true, nil
		})
	})
	return keys, err
}

// ResolveSettled re-runs dependency resolution for dependencies that are
// already SYNCED (crash window between confirming and unblocking).
func (s *Store) ResolveSettled(_ context.Context) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		// Collect synced dependencies that still have waiting dependents.
		type settled struct{ localID, serverID string }
		pending := make(map[string]settled)
		if err := forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.DependsOn == "" {
				return true, nil
			}
			dep, err := getMutation(tx, m.DependsOn)
			if err == repo.ErrNotFound {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			if dep.Status == domain.StatusSynced {
				pending[dep.IdempotencyKey] = settled{dep.LocalID, dep.ServerID}
			}
			return true, nil
		}); err != nil {
			return err
		}

		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			dep, ok := pending[m.DependsOn]
			if !ok {
				return true, nil
			}
			m.DependsOn = ""
			if dep.localID != "" && dep.serverID != "" {
				if rewritten, changed := utils.JSONReplaceString(m.Payload, dep.localID, dep.serverID); changed {
					m.Payload = rewritten
				}
				if m.LocalID == dep.localID {
					m.ServerID = dep.serverID
				}
			}
			m.UpdatedAt = s.now()
			if err := putMutation(tx, m); err != nil {
				return false, err
			}
			n++
			return true, nil
		})
	})
	return n, err
}

// BlockDependents records a blocked reason on mutations waiting on a failed
// dependency; they keep their depends_on link and stay ineligible.
func (s *Store) BlockDependents(_ context.Context, depKey, reason string) ([]string, error) {
	var keys []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.DependsOn != depKey {
				return true, nil
			}
			m.LastError = reason
			m.UpdatedAt = s.now()
			if err := putMutation(tx, m); err != nil {
				return false, err
			}
			keys = append(keys, m.IdempotencyKey)
			return true, nil
		})
	})
	return keys, err
}

// UnresolvedLocalIDs maps local placeholder IDs of unconfirmed creates to
// their idempotency keys.
func (s *Store) UnresolvedLocalIDs(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.Operation == domain.OpCreate && m.LocalID != "" && m.Status != domain.StatusSynced {
				out[m.LocalID] = m.IdempotencyKey
			}
			return true, nil
		})
	})
	return out, err
}

// ResolvedLocalIDs maps local placeholder IDs of confirmed creates to their
// server-assigned IDs.
func (s *Store) ResolvedLocalIDs(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.Operation == domain.OpCreate && m.LocalID != "" && m.ServerID != "" && m.Status == domain.StatusSynced {
				out[m.LocalID] = m.ServerID
			}
			return true, nil
		})
	})
	return out, err
}

// MarkNotified records terminal-event delivery, making the row prunable.
func (s *Store) MarkNotified(_ context.Context, key string, now time.Time) error {
	return s.update(key, func(m *domain.Mutation) error {
		t := now
		m.NotifiedAt = &t
		return nil
	})
}

func deleteMutation(tx *bolt.Tx, m *domain.Mutation) error {
	if err := tx.Bucket(bucketOrder).Delete(seqKey(m.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketMutations).Delete([]byte(m.IdempotencyKey))
}

// PruneTerminal deletes notified terminal mutations older than cutoff.
func (s *Store) PruneTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if m.Status.Terminal() && m.NotifiedAt != nil && m.NotifiedAt.Before(cutoff) {
				if err := deleteMutation(tx, m); err != nil {
					return false, err
				}
				n++
			}
			return true, nil
		})
	})
	return n, err
}

// PruneOldestTerminal deletes up to n of the oldest terminal mutations.
func (s *Store) PruneOldestTerminal(_ context.Context, n int) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if deleted >= int64(n) {
				return false, nil
			}
			if m.Status.Terminal() {
				if err := deleteMutation(tx, m); err != nil {
					return false, err
				}
				deleted++
			}
			return true, nil
		})
	})
	return deleted, err
}

// CountByStatus returns queue depth per status.
func (s *Store) CountByStatus(_ context.Context) (map[domain.Status]int64, error) {
	out := make(map[domain.Status]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			out[m.Status]++
			return true, nil
		})
	})
	return out, err
}

// List returns a page of the queue in enqueue order, optionally filtered by
// status.
func (s *Store) List(_ context.Context, status domain.Status, offset, limit int) ([]domain.Mutation, error) {
	var out []domain.Mutation
	skipped := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachOrdered(tx, func(m *domain.Mutation) (bool, error) {
			if status != "" && m.Status != status {
				return true, nil
			}
			if skipped < offset {
				skipped++
				return true, nil
			}
			if len(out) >= limit {
				return false, nil
			}
			out = append(out, *m)
			return true, nil
		})
	})
	return out, err
}

// CancelPending deletes a mutation that is still PENDING; a row that was
// already claimed or finished returns ErrNotPending.
func (s *Store) CancelPending(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMutation(tx, key)
		if err != nil {
			return err
		}
		if m.Status != domain.StatusPending {
			return repo.ErrNotPending
		}
		return deleteMutation(tx, m)
	})
}

// Clear removes every mutation.
func (s *Store) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMutations, bucketOrder} {
			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Acquire claims the dispatch lease when it is free, expired, or already
// held by holder.
func (s *Store) Acquire(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		b := tx.Bucket(bucketLeases)
		var lease domain.Lease
		if v := b.Get([]byte(domain.LeaseName)); v != nil {
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if lease.HolderID != holder && !lease.Expired(now) {
				return nil
			}
		}
		if lease.HolderID != holder {
			lease = domain.Lease{Name: domain.LeaseName, HolderID: holder, AcquiredAt: now}
		}
		lease.RenewedAt = now
		lease.ExpiresAt = now.Add(ttl)
		data, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(domain.LeaseName), data); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

// Renew extends a lease still held by holder.
func (s *Store) Renew(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	renewed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		b := tx.Bucket(bucketLeases)
		v := b.Get([]byte(domain.LeaseName))
		if v == nil {
			return nil
		}
		var lease domain.Lease
		if err := json.Unmarshal(v, &lease); err != nil {
			return err
		}
		if !lease.HeldBy(holder, now) {
			return nil
		}
		lease.RenewedAt = now
		lease.ExpiresAt = now.Add(ttl)
		data, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(domain.LeaseName), data); err != nil {
			return err
		}
		renewed = true
		return nil
	})
	return renewed, err
}

// Release drops the lease if holder still owns it.
func (s *Store) Release(_ context.Context, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		v := b.Get([]byte(domain.LeaseName))
		if v == nil {
			return nil
		}
		var lease domain.Lease
		if err := json.Unmarshal(v, &lease); err != nil {
			return err
		}
		if lease.HolderID != holder {
			return nil
		}
		return b.Delete([]byte(domain.LeaseName))
	})
}
