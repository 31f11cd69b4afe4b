package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Build information - set via ldflags at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// SystemHandler handles system-level operations (spec.md §2 "Status/Health
// Endpoint").
type SystemHandler struct {
	*BaseHandler
}

// NewSystemHandler creates a new system handler
func NewSystemHandler() *SystemHandler {
	return &SystemHandler{BaseHandler: NewBaseHandler()}
}

// HealthResponse is the response body for the health endpoint (spec.md
// §6.2 {status, timestamp}, supplemented with binary/runtime details the
// teacher's health endpoint also reports).
type HealthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Version       string  `json:"version"`
	GitCommit     string  `json:"gitCommit"`
	GoVersion     string  `json:"goVersion"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// HandleHealth handles GET requests to /health.
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, HealthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       Version,
		GitCommit:     GitCommit,
		GoVersion:     runtime.Version(),
		UptimeSeconds: time.Since(startTime).Seconds(),
	})
}
