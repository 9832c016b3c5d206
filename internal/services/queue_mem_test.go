package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/repo"
	"github.com/stockroomhq/go-stockroom-sync/internal/utils"
)

// memQueue is an in-memory Queue with the same transition semantics as the
// repo layer, used to test the enqueuer and dispatcher without a database.
type memQueue struct {
	mu   sync.Mutex
	rows map[string]*domain.Mutation
	seq  int64

	// enqueueFailures makes the next n Enqueue calls fail (storage
	// degradation scenarios).
	enqueueFailures int
	enqueueErr      error

	pruneOldestCalls int
}

func newMemQueue() *memQueue {
	return &memQueue{rows: make(map[string]*domain.Mutation)}
}

func (q *memQueue) ordered() []*domain.Mutation {
	out := make([]*domain.Mutation, 0, len(q.rows))
	for _, m := range q.rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q *memQueue) get(key string) *domain.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows[key]
}

func (q *memQueue) Enqueue(_ context.Context, m *domain.Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueFailures > 0 {
		q.enqueueFailures--
		return q.enqueueErr
	}
	if _, ok := q.rows[m.IdempotencyKey]; ok {
		return repo.ErrDuplicate
	}
	q.seq++
	m.ID = q.seq
	cp := *m
	q.rows[m.IdempotencyKey] = &cp
	return nil
}

func (q *memQueue) Get(_ context.Context, key string) (*domain.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (q *memQueue) NextEligible(_ context.Context, now time.Time) (*domain.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.ordered() {
		if m.Status == domain.StatusPending && m.DependsOn == "" && !m.NextAttemptAt.After(now) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (q *memQueue) ClaimSyncing(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok || m.Status != domain.StatusPending {
		return repo.ErrNotClaimed
	}
	m.Status = domain.StatusSyncing
	return nil
}

func (q *memQueue) MarkSynced(_ context.Context, key, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok {
		return repo.ErrNotFound
	}
	m.Status = domain.StatusSynced
	m.ServerID = serverID
	m.LastError = ""
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, key, reason string, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok {
		return repo.ErrNotFound
	}
	m.Status = domain.StatusFailed
	m.LastError = reason
	m.Attempts = attempts
	return nil
}

func (q *memQueue) Reschedule(_ context.Context, key string, attempts int, nextAt time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok {
		return repo.ErrNotFound
	}
	m.Status = domain.StatusPending
	m.Attempts = attempts
	m.NextAttemptAt = nextAt
	m.LastError = lastErr
	return nil
}

func (q *memQueue) ReleaseSyncing(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok || m.Status != domain.StatusSyncing {
		return nil
	}
	m.Status = domain.StatusPending
	return nil
}

func (q *memQueue) RequeueInFlight(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, m := range q.rows {
		if m.Status == domain.StatusSyncing {
			m.Status = domain.StatusPending
			n++
		}
	}
	return n, nil
}

func (q *memQueue) ResolveDependents(_ context.Context, depKey, localID, serverID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []string
	for _, m := range q.ordered() {
		if m.DependsOn != depKey {
			continue
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
		keys = append(keys, m.IdempotencyKey)
	}
	return keys, nil
}

func (q *memQueue) ResolveSettled(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, m := range q.ordered() {
		if m.DependsOn == "" {
			continue
		}
		dep, ok := q.rows[m.DependsOn]
		if !ok || dep.Status != domain.StatusSynced {
			continue
		}
		m.DependsOn = ""
		if dep.LocalID != "" && dep.ServerID != "" {
			if rewritten, changed := utils.JSONReplaceString(m.Payload, dep.LocalID, dep.ServerID); changed {
				m.Payload = rewritten
			}
			if m.LocalID == dep.LocalID {
				m.ServerID = dep.ServerID
			}
		}
		n++
	}
	return n, nil
}

func (q *memQueue) BlockDependents(_ context.Context, depKey, reason string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []string
	for _, m := range q.ordered() {
		if m.DependsOn != depKey {
			continue
		}
		m.LastError = reason
		keys = append(keys, m.IdempotencyKey)
	}
	return keys, nil
}

func (q *memQueue) UnresolvedLocalIDs(_ context.Context) (map[string]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string)
	for _, m := range q.rows {
		if m.Operation == domain.OpCreate && m.LocalID != "" && m.Status != domain.StatusSynced {
			out[m.LocalID] = m.IdempotencyKey
		}
	}
	return out, nil
}

func (q *memQueue) ResolvedLocalIDs(_ context.Context) (map[string]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string)
	for _, m := range q.rows {
		if m.Operation == domain.OpCreate && m.LocalID != "" && m.ServerID != "" && m.Status == domain.StatusSynced {
			out[m.LocalID] = m.ServerID
		}
	}
	return out, nil
}

func (q *memQueue) MarkNotified(_ context.Context, key string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.rows[key]
	if !ok {
		return repo.ErrNotFound
	}
	t := now
	m.NotifiedAt = &t
	return nil
}

func (q *memQueue) PruneTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for key, m := range q.rows {
		if m.Status.Terminal() && m.NotifiedAt != nil && m.NotifiedAt.Before(cutoff) {
			delete(q.rows, key)
			n++
		}
	}
	return n, nil
}

func (q *memQueue) PruneOldestTerminal(_ context.Context, n int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneOldestCalls++
	var deleted int64
	for _, m := range q.ordered() {
		if deleted >= int64(n) {
			break
		}
		if m.Status.Terminal() {
			delete(q.rows, m.IdempotencyKey)
			deleted++
		}
	}
	return deleted, nil
}

func (q *memQueue) CountByStatus(_ context.Context) (map[domain.Status]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.Status]int64)
	for _, m := range q.rows {
		out[m.Status]++
	}
	return out, nil
}
