package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusSource is the subset of *coordinator.Coordinator the status
// endpoint needs.
type statusSource interface {
	Status() (queueSize int, sessionActive bool, estimatedWait string, maxQueueSize int)
}

// StatusHandler serves spec.md §6.2 GET /status.
type StatusHandler struct {
	*BaseHandler
	coordinator statusSource
}

// NewStatusHandler creates a new status handler over coordinator.
func NewStatusHandler(coordinator statusSource) *StatusHandler {
	return &StatusHandler{BaseHandler: NewBaseHandler(), coordinator: coordinator}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	QueueSize     int    `json:"queue_size"`
	SessionActive bool   `json:"session_active"`
	EstimatedWait string `json:"estimated_wait"`
	MaxQueueSize  int    `json:"max_queue_size"`
}

// HandleStatus handles GET requests to /status.
func (h *StatusHandler) HandleStatus(c *gin.Context) {
	queueSize, sessionActive, estimatedWait, maxQueueSize := h.coordinator.Status()
	h.SendJSON(c, http.StatusOK, StatusResponse{
		QueueSize:     queueSize,
		SessionActive: sessionActive,
		EstimatedWait: estimatedWait,
		MaxQueueSize:  maxQueueSize,
	})
}
