// Package ws implements the Connection Surface (spec.md §4.3): it upgrades
// HTTP connections to a persistent framed connection, parses/emits the
// client↔server frames of spec.md §6.1, and forwards events to the
// coordinator. The coordinator never imports gorilla/websocket directly —
// it only sees the coordinator.Conn interface this package implements.
//
// Grounded on the pack's handler/terminal.go: gorilla/websocket.Upgrader
// with CheckOrigin allowing all origins (this system sits behind a
// reverse proxy that owns origin policy, spec.md §1), one reader goroutine
// per connection, json marshal/unmarshal per frame. Narrowed from a
// PTY-output pump to the small closed set of join_queue/leave_queue/
// heartbeat frames.
package ws

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/grandcamel/ttyd-queue/src/coordinator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn adapts one gorilla/websocket connection to coordinator.Conn.
type conn struct {
	id       string
	identity coordinator.Identity
	ws       *websocket.Conn

	mu sync.Mutex
}

func (c *conn) ID() string                    { return c.id }
func (c *conn) Identity() coordinator.Identity { return c.identity }
func (c *conn) Send(msg coordinator.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		logrus.WithError(err).Debug("websocket write failed")
	}
}

// Handler upgrades requests to the client bidirectional protocol and wires
// each connection into a *coordinator.Coordinator.
type Handler struct {
	coordinator *coordinator.Coordinator
}

// NewHandler builds a connection-surface Handler over coordinator.
func NewHandler(coordinator *coordinator.Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// HandleConnect upgrades the HTTP request and runs the connection's read
// loop until it closes (spec.md §4.3).
func (h *Handler) HandleConnect(c *gin.Context) {
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer wsConn.Close()

	cn := &conn{
		id: uuid.NewString(),
		identity: coordinator.Identity{
			SourceAddress: c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
		},
		ws: wsConn,
	}

	h.coordinator.Connect(cn)
	defer h.coordinator.Disconnect(cn.id)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		var msg coordinator.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			cn.Send(coordinator.ServerMessage{Type: coordinator.MsgError, Message: "Invalid message format"})
			continue
		}

		switch msg.Type {
		case coordinator.MsgJoinQueue:
			h.coordinator.Join(c.Request.Context(), cn, msg.InviteToken)
		case coordinator.MsgLeaveQueue:
			h.coordinator.Leave(cn.id)
		case coordinator.MsgHeartbeat:
			h.coordinator.Heartbeat(cn.id)
		default:
			cn.Send(coordinator.ServerMessage{Type: coordinator.MsgError, Message: fmt.Sprintf("Unknown message type: %s", msg.Type)})
		}
	}
}
