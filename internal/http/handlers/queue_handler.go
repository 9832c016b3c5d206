// Package handlers – queue endpoints
//
// These endpoints expose the durable mutation queue for diagnostics and
// operator intervention: paginated listing, single-mutation lookup, and
// cancellation of mutations that have not been claimed for dispatch yet.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/repo"
	"github.com/stockroomhq/go-stockroom-sync/internal/utils"
)

// Pagination bounds for queue listing.
const (
	defaultPerPage = 20
	maxPerPage     = 200
)

// QueueStore is the queue access the handlers need, implemented by the
// router's store shim so handlers stay decoupled from the storage backend.
type QueueStore interface {
	List(ctx context.Context, status domain.Status, offset, limit int) ([]domain.Mutation, error)
	Get(ctx context.Context, key string) (*domain.Mutation, error)
	CancelPending(ctx context.Context, key string) error
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

// Handler bundles the status server's endpoint implementations.
type Handler struct {
	queue  QueueStore
	status StatusSource
}

// New constructs the Handler over the given queue and engine status source.
func New(q QueueStore, s StatusSource) *Handler {
	return &Handler{queue: q, status: s}
}

// MutationView is the JSON projection of a queued mutation.
type MutationView struct {
	IdempotencyKey string          `json:"idempotency_key"`
	EntityKind     string          `json:"entity_kind"`
	Operation      string          `json:"operation"`
	Status         string          `json:"status"`
	LocalID        string          `json:"local_id,omitempty"`
	ServerID       string          `json:"server_id,omitempty"`
	DependsOn      string          `json:"depends_on,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func viewOf(m *domain.Mutation) MutationView {
	return MutationView{
		IdempotencyKey: m.IdempotencyKey,
		EntityKind:     m.EntityKind,
		Operation:      string(m.Operation),
		Status:         string(m.Status),
		LocalID:        m.LocalID,
		ServerID:       m.ServerID,
		DependsOn:      m.DependsOn,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		NextAttemptAt:  m.NextAttemptAt,
		CreatedAt:      m.CreatedAt,
		Payload:        m.Payload,
	}
}

// ListQueue handles GET /queue. Supports ?status= filtering and
// page/per_page pagination in enqueue order.
func (h *Handler) ListQueue(c *gin.Context) {
	status := domain.Status(strings.ToUpper(c.Query("status")))
	if status != "" {
		switch status {
		case domain.StatusPending, domain.StatusSyncing, domain.StatusSynced, domain.StatusFailed:
		default:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter")
			return
		}
	}

	page := utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage := utils.AtoiDefault(c.Query("per_page"), defaultPerPage)
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	ms, err := h.queue.List(c.Request.Context(), status, (page-1)*perPage, perPage)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list queue")
		return
	}

	views := make([]MutationView, 0, len(ms))
	for i := range ms {
		views = append(views, viewOf(&ms[i]))
	}
	ok(c, http.StatusOK, gin.H{
		"data":     views,
		"page":     page,
		"per_page": perPage,
	})
}

// GetMutation handles GET /queue/:key.
func (h *Handler) GetMutation(c *gin.Context) {
	key := c.Param("key")
	m, err := h.queue.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "mutation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load mutation")
		return
	}
	ok(c, http.StatusOK, viewOf(m))
}

// CancelMutation handles DELETE /queue/:key. Only PENDING mutations that no
// dispatch attempt has claimed can be cancelled; anything further along is a
// conflict.
func (h *Handler) CancelMutation(c *gin.Context) {
	key := c.Param("key")
	err := h.queue.CancelPending(c.Request.Context(), key)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "mutation not found")
	case errors.Is(err, repo.ErrNotPending):
		fail(c, http.StatusConflict, ErrCodeConflict, "mutation already claimed or finished")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeCancelFailed, "could not cancel mutation")
	}
}
