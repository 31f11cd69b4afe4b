package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/grandcamel/ttyd-queue/src/invite"
)

type fakeAuthSource struct {
	principal    string
	sessionTokOK bool
	inviteResult invite.Result
}

func (f fakeAuthSource) ValidateSessionToken(tok string) (string, bool) {
	return f.principal, f.sessionTokOK
}

func (f fakeAuthSource) ValidateInvite(ctx context.Context, inviteToken, sourceAddr string) invite.Result {
	return f.inviteResult
}

func TestHandleSessionValidateNoCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(fakeAuthSource{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/session/validate", nil)

	h.HandleSessionValidate(c)

	if w.Code != http.StatusUnauthorized || w.Body.String() != "No session cookie" {
		t.Fatalf("got %d %q, want 401 %q", w.Code, w.Body.String(), "No session cookie")
	}
}

func TestHandleSessionValidateInactiveSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(fakeAuthSource{sessionTokOK: false})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/session/validate", nil)
	c.Request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "some-token"})

	h.HandleSessionValidate(c)

	if w.Code != http.StatusUnauthorized || w.Body.String() != "Session not active" {
		t.Fatalf("got %d %q, want 401 %q", w.Code, w.Body.String(), "Session not active")
	}
}

func TestHandleSessionValidateActiveSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(fakeAuthSource{sessionTokOK: true, principal: "demo-abc12345"})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/session/validate", nil)
	c.Request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "some-token"})

	h.HandleSessionValidate(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Grafana-User"); got != "demo-abc12345" {
		t.Errorf("X-Grafana-User = %q, want %q", got, "demo-abc12345")
	}
}

func TestHandleInviteValidateRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(fakeAuthSource{inviteResult: invite.Result{Valid: false, Outcome: invite.OutcomeUsed}})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/invite/validate?token=T1", nil)

	h.HandleInviteValidate(c)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleInviteValidateAccepted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(fakeAuthSource{inviteResult: invite.Result{Valid: true, Outcome: invite.OutcomeValid}})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/invite/validate", nil)
	c.Request.Header.Set("X-Invite-Token", "T1")

	h.HandleInviteValidate(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
