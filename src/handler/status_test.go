package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeStatusSource struct {
	queueSize     int
	sessionActive bool
	estimatedWait string
	maxQueueSize  int
}

func (f fakeStatusSource) Status() (int, bool, string, int) {
	return f.queueSize, f.sessionActive, f.estimatedWait, f.maxQueueSize
}

func TestHandleStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewStatusHandler(fakeStatusSource{queueSize: 3, sessionActive: true, estimatedWait: "135 minutes", maxQueueSize: 10})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/status", nil)

	h.HandleStatus(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.QueueSize != 3 || !resp.SessionActive || resp.EstimatedWait != "135 minutes" || resp.MaxQueueSize != 10 {
		t.Errorf("unexpected response: %+v", resp)
	}
}
