package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grandcamel/ttyd-queue/src/invite"
)

// sessionCookieName is the cookie the reverse proxy forwards on its
// auth sub-request (spec.md §6.2).
const sessionCookieName = "demo_session"

// authSource is the subset of *coordinator.Coordinator the two auth
// sub-request endpoints need.
type authSource interface {
	ValidateSessionToken(tok string) (principal string, ok bool)
	ValidateInvite(ctx context.Context, inviteToken, sourceAddr string) invite.Result
}

// AuthHandler serves spec.md §6.2's two reverse-proxy auth sub-requests:
// /session/validate and /invite/validate.
type AuthHandler struct {
	*BaseHandler
	coordinator authSource
}

// NewAuthHandler creates a new auth handler over coordinator.
func NewAuthHandler(coordinator authSource) *AuthHandler {
	return &AuthHandler{BaseHandler: NewBaseHandler(), coordinator: coordinator}
}

// HandleSessionValidate answers "is this bearer token a live session?" for
// the reverse proxy's auth sub-request (spec.md §4.8, §6.2).
func (h *AuthHandler) HandleSessionValidate(c *gin.Context) {
	tok, err := c.Cookie(sessionCookieName)
	if err != nil || tok == "" {
		c.String(http.StatusUnauthorized, "No session cookie")
		return
	}

	principal, ok := h.coordinator.ValidateSessionToken(tok)
	if !ok {
		c.String(http.StatusUnauthorized, "Session not active")
		return
	}

	c.Header("X-Grafana-User", principal)
	c.String(http.StatusOK, "OK")
}

// inviteValidateResponse is the body of GET /invite/validate.
type inviteValidateResponse struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// HandleInviteValidate validates an invite token for the reverse proxy,
// without side effects beyond what Validate itself performs (spec.md
// §4.8, §6.2).
func (h *AuthHandler) HandleInviteValidate(c *gin.Context) {
	tok := c.GetHeader("X-Invite-Token")
	if tok == "" {
		tok = c.Query("token")
	}

	result := h.coordinator.ValidateInvite(c.Request.Context(), tok, c.ClientIP())
	if !result.Valid {
		h.SendJSON(c, http.StatusUnauthorized, inviteValidateResponse{
			Valid:   false,
			Reason:  string(result.Outcome),
			Message: "invite token rejected: " + string(result.Outcome),
		})
		return
	}

	h.SendJSON(c, http.StatusOK, inviteValidateResponse{Valid: true})
}
