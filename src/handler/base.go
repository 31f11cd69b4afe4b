package handler

import (
	"github.com/gin-gonic/gin"
)

// BaseHandler provides the one piece of functionality every HTTP handler in
// this package shares: writing a JSON response.
type BaseHandler struct{}

// NewBaseHandler creates a new base handler
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// SendJSON sends a JSON response with the given status code
func (h *BaseHandler) SendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}
