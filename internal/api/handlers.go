package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/session"
)

// Handler serves the daemon's read-only admin endpoints.
type Handler struct {
	registry *session.Registry
	log      *logger.Logger
}

// NewHandler wires a Handler over the live Registry.
func NewHandler(registry *session.Registry, log *logger.Logger) *Handler {
	return &Handler{registry: registry, log: log}
}

// GetHealth reports liveness plus the current session count.
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.registry.Count(),
	})
}

type sessionSummary struct {
	CompositeID   string `json:"compositeId"`
	SessionNumber int    `json:"sessionNumber"`
	Owner         string `json:"owner"`
	State         string `json:"state"`
	IdleSeconds   int64  `json:"idleSeconds"`
}

// ListSessions dumps a read-only snapshot of every active session, for
// operator debugging (not part of the chat-facing surface).
func (h *Handler) ListSessions(c *gin.Context) {
	all := h.registry.All()
	out := make([]sessionSummary, 0, len(all))
	for _, s := range all {
		out = append(out, sessionSummary{
			CompositeID:   s.ID.String(),
			SessionNumber: s.SessionNumber,
			Owner:         s.Owner,
			State:         string(s.GetState()),
			IdleSeconds:   int64(s.IdleFor().Seconds()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// SetupRoutes registers the admin/health routes on router.
func SetupRoutes(router *gin.Engine, registry *session.Registry, log *logger.Logger) {
	h := NewHandler(registry, log)
	router.GET("/healthz", h.GetHealth)
	router.GET("/debug/sessions", h.ListSessions)
}
