package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// EngineInfo is the diagnostic snapshot served by GET /status.
type EngineInfo struct {
	InstanceID    string           `json:"instance_id"`
	Online        bool             `json:"online"`
	Leader        bool             `json:"leader"`
	LeaseHolder   string           `json:"lease_holder,omitempty"`
	StoreBackend  string           `json:"store_backend"`
	QueueDepth    map[string]int64 `json:"queue_depth"`
	OverflowDepth int              `json:"overflow_depth"`
}

// StatusSource reports the engine's current state, implemented by the
// router's engine shim.
type StatusSource interface {
	Info(ctx context.Context) (EngineInfo, error)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(c *gin.Context) {
	info, err := h.status.Info(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatusFailed, "could not read engine status")
		return
	}
	ok(c, http.StatusOK, info)
}
