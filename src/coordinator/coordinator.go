package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/grandcamel/ttyd-queue/src/config"
	"github.com/grandcamel/ttyd-queue/src/invite"
	"github.com/grandcamel/ttyd-queue/src/supervisor"
	"github.com/grandcamel/ttyd-queue/src/token"
)

// Telemetry is the subset of telemetry.Emitter the coordinator drives
// (spec.md §6.5). Kept as an interface so coordinator tests can run
// without a Prometheus registry.
type Telemetry interface {
	SetQueueSize(n int)
	SetSessionActive(active bool)
	IncSessionsStarted(ctx context.Context)
	IncSessionsEnded(ctx context.Context, reason string)
	ObserveSessionDuration(ctx context.Context, reason string, seconds float64)
	ObserveQueueWait(ctx context.Context, seconds float64)
	ObserveSpawn(ctx context.Context, seconds float64)
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
}

// SpawnFunc matches supervisor.Spawn's signature; overridable in tests so
// they never fork a real subprocess.
type SpawnFunc func(ctx context.Context, spec supervisor.Spec) (*supervisor.Handle, error)

// SessionStore is the subset of *invite.Store the coordinator needs for
// best-effort session persistence (spec.md §4.2 step 8). Kept as an
// interface so tests can substitute an in-memory fake.
type SessionStore interface {
	PutSession(ctx context.Context, clientID string, rec *invite.SessionRecord, ttl time.Duration) error
	DeleteSession(ctx context.Context, clientID string) error
}

// Deps wires the coordinator to its collaborators.
type Deps struct {
	Config    *config.Config
	Store     SessionStore
	Validator *invite.Validator
	Minter    *token.Minter
	Telemetry Telemetry
	Spawn     SpawnFunc
}

// Coordinator is the Queue/Session State Machine of spec.md §4.1. A single
// mutex serializes every mutation of the queue, the active session, and
// the two token maps; suspension points (invite-store reads, subprocess
// spawn) release the mutex and recheck the relevant state on reacquire,
// per spec.md §5.
type Coordinator struct {
	cfg       *config.Config
	store     SessionStore
	validator *invite.Validator
	minter    *token.Minter
	telemetry Telemetry
	spawn     SpawnFunc

	mu sync.Mutex

	clients       map[string]*client
	q             *queue
	active        *activeSession
	pendingTokens map[string]pendingTokenEntry
	sessionTokens map[string]string // token -> sessionId

	reconnectLocked       bool
	disconnectGraceTimer  *time.Timer
}

// New constructs a Coordinator. A nil Deps.Spawn defaults to
// supervisor.Spawn.
func New(deps Deps) *Coordinator {
	spawn := deps.Spawn
	if spawn == nil {
		spawn = supervisor.Spawn
	}
	return &Coordinator{
		cfg:           deps.Config,
		store:         deps.Store,
		validator:     deps.Validator,
		minter:        deps.Minter,
		telemetry:     deps.Telemetry,
		spawn:         spawn,
		clients:       make(map[string]*client),
		q:             newQueue(deps.Config.MaxQueueSize),
		pendingTokens: make(map[string]pendingTokenEntry),
		sessionTokens: make(map[string]string),
	}
}

// Connect registers a freshly opened connection in the "connected" state
// and sends it an initial status frame (spec.md §4.1 transition table,
// row "none → connection opens").
func (c *Coordinator) Connect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl := newClient(conn, conn.Identity(), "")
	c.clients[cl.id] = cl
	conn.Send(ServerMessage{
		Type:          MsgStatus,
		QueueSize:     intPtr(c.q.Len()),
		SessionActive: boolPtr(c.active != nil),
	})
}

// Join handles a join_queue frame: validate the invite (if any), then
// either admit directly, enqueue, or reject (spec.md §4.1, §4.4).
func (c *Coordinator) Join(ctx context.Context, conn Conn, inviteToken string) {
	identity := conn.Identity()

	if c.isReconnect(identity, inviteToken) {
		c.handleReconnect(conn, identity, inviteToken)
		return
	}

	spanCtx, span := c.telemetry.StartSpan(ctx, "invite.validate")
	result := c.validator.Validate(spanCtx, inviteToken, identity.SourceAddress, c)
	span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[conn.ID()]
	if !ok || cl.state != StateConnected {
		return
	}

	if inviteToken != "" && !result.Valid {
		conn.Send(ServerMessage{
			Type:         MsgInviteInvalid,
			InviteReason: string(result.Outcome),
			Message:      fmt.Sprintf("invite token %s", result.Outcome),
		})
		return
	}

	c.admitOrQueueLocked(cl, identity, inviteToken)
}

// isReconnect reports whether a join from identity/inviteToken matches
// spec.md §4.3's reconnect recognition rule, without touching the invite
// store.
func (c *Coordinator) isReconnect(identity Identity, inviteToken string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.awaitingReconnect &&
		inviteToken != "" && inviteToken == c.active.inviteToken &&
		identity.SourceAddress == c.active.sourceAddress
}

// admitOrQueueLocked decides whether cl is admitted directly, enqueued, or
// rejected as queue_full. Called with mu held.
func (c *Coordinator) admitOrQueueLocked(cl *client, identity Identity, inviteToken string) {
	cl.inviteToken = inviteToken

	pendingToken := c.minter.Mint(cl.id)
	cl.pendingSessionToken = pendingToken
	c.pendingTokens[pendingToken] = pendingTokenEntry{
		clientID:      cl.id,
		inviteToken:   inviteToken,
		sourceAddress: identity.SourceAddress,
		createdAt:     time.Now(),
	}

	if c.active == nil && c.q.Len() == 0 {
		cl.joinedAt = time.Now()
		c.startSessionLocked(cl)
		return
	}

	if c.q.Full() {
		delete(c.pendingTokens, pendingToken)
		cl.pendingSessionToken = ""
		cl.conn.Send(ServerMessage{Type: MsgQueueFull, Message: "the queue is full, try again later"})
		return
	}

	cl.state = StateQueued
	cl.joinedAt = time.Now()
	c.q.Push(cl.id)

	cl.conn.Send(ServerMessage{Type: MsgSessionToken, SessionToken: pendingToken})
	position := c.q.Position(cl.id)
	cl.conn.Send(ServerMessage{
		Type:          MsgQueuePosition,
		Position:      position,
		QueueSize:     intPtr(c.q.Len()),
		EstimatedWait: estimatedWait(position, c.cfg.AverageSession),
	})
	c.broadcastPositionsLocked()
	c.telemetry.SetQueueSize(c.q.Len())
}

// startSessionLocked promotes cl into the active slot and spawns the
// terminal-sharing subprocess (spec.md §4.2 "Start"). The slot is reserved
// before the mutex is released for the slow subprocess spawn and invite
// store write, per spec.md §5; on reacquire, identity is rechecked before
// any client-visible completion.
//
// Called with mu held; returns with mu held.
func (c *Coordinator) startSessionLocked(cl *client) {
	sessionID := uuid.NewString()
	sessionToken := cl.pendingSessionToken
	now := time.Now()
	if cl.joinedAt.IsZero() {
		cl.joinedAt = now
	}
	queueWait := now.Sub(cl.joinedAt)

	sess := &activeSession{
		sessionID:     sessionID,
		clientID:      cl.id,
		sessionToken:  sessionToken,
		inviteToken:   cl.inviteToken,
		sourceAddress: cl.identity.SourceAddress,
		userAgent:     cl.identity.UserAgent,
		startedAt:     now,
		expiresAt:     now.Add(c.cfg.SessionTimeout),
		queueWaitMs:   queueWait.Milliseconds(),
	}

	c.active = sess
	cl.state = StateActive
	c.q.Remove(cl.id)
	c.telemetry.SetSessionActive(true)
	c.telemetry.SetQueueSize(c.q.Len())

	conn := cl.conn
	credPath := filepath.Join(filepath.Dir(c.cfg.SessionEnvHostPath), sessionID+".env")
	creds := c.cfg.WorkloadCredentials
	terminalCfg := supervisor.Spec{
		Command:            c.cfg.TerminalCommand,
		Port:               c.cfg.TerminalPort,
		CredentialFilePath: c.cfg.SessionEnvContainerPath,
		MemoryLimitBytes:   256 * 1024 * 1024,
		PidsLimit:          32,
	}

	c.mu.Unlock()

	ctx, span := c.telemetry.StartSpan(context.Background(), "session.start")
	defer span.End()
	spawnStart := time.Now()

	credFile, err := supervisor.WriteCredentialFile(credPath, creds)
	var handle *supervisor.Handle
	if err == nil {
		handle, err = c.spawn(ctx, terminalCfg)
	}
	c.telemetry.ObserveSpawn(ctx, time.Since(spawnStart).Seconds())

	if err == nil {
		rec := &invite.SessionRecord{
			SessionID:   sessionID,
			StartedAt:   now,
			ExpiresAt:   sess.expiresAt,
			InviteToken: sess.inviteToken,
			SourceAddr:  sess.sourceAddress,
			UserAgent:   sess.userAgent,
			QueueWaitMs: sess.queueWaitMs,
		}
		if putErr := c.store.PutSession(ctx, cl.id, rec, c.cfg.SessionTimeout); putErr != nil {
			logrus.WithError(putErr).Warn("failed to persist session record")
		}
	}

	c.mu.Lock()

	if c.active != sess {
		// Superseded while spawning (e.g. shutdown raced the spawn).
		credFile.Release()
		if handle != nil {
			_ = handle.Terminate()
		}
		return
	}

	if err != nil {
		logrus.WithError(err).Error("failed to start terminal subprocess")
		credFile.Release()
		c.active = nil
		cl.state = StateConnected
		cl.joinedAt = time.Time{}
		delete(c.pendingTokens, sessionToken)
		cl.pendingSessionToken = ""
		c.telemetry.SetSessionActive(false)
		conn.Send(ServerMessage{Type: MsgError, Message: "failed to start session, please try again"})
		c.promoteLocked()
		return
	}

	sess.subprocessHandle = handle
	sess.credentialFile = credFile
	c.sessionTokens[sessionToken] = sessionID
	delete(c.pendingTokens, sessionToken)

	c.armTimersLocked(sess)
	go c.watchSubprocessExit(sess, handle)

	c.telemetry.IncSessionsStarted(ctx)
	c.telemetry.ObserveQueueWait(ctx, queueWait.Seconds())

	conn.Send(ServerMessage{Type: MsgSessionToken, SessionToken: sessionToken})
	conn.Send(ServerMessage{
		Type:         MsgSessionStarting,
		TerminalURL:  "/terminal",
		ExpiresAt:    sess.expiresAt.Format(time.RFC3339),
		SessionToken: sessionToken,
	})
}

// armTimersLocked schedules the warning, soft-timeout, and hard-timeout
// timers for sess (spec.md §4.2 steps 8-9). Called with mu held.
func (c *Coordinator) armTimersLocked(sess *activeSession) {
	warningDelay := c.cfg.SessionTimeout - warningLeadTime
	if warningDelay < 0 {
		warningDelay = 0
	}
	sess.warningTimer = time.AfterFunc(warningDelay, func() { c.sessionWarning(sess) })
	sess.timeoutTimer = time.AfterFunc(c.cfg.SessionTimeout, func() { c.endSession(sess, ReasonTimeout) })
	sess.hardTimeoutTimer = time.AfterFunc(c.cfg.SessionTimeout+hardTimeoutLag, func() { c.hardKill(sess) })
}

// sessionWarning sends the "5 minutes remaining" frame if sess is still
// the active session (spec.md §4.2 step 8, timer identity check per §5).
func (c *Coordinator) sessionWarning(sess *activeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sess {
		return
	}
	if cl, ok := c.clients[sess.clientID]; ok {
		cl.conn.Send(ServerMessage{Type: MsgSessionWarning, MinutesRemaining: 5})
	}
}

// hardKill force-kills the subprocess if it's still alive past the grace
// window (spec.md §4.2 step 9). Acts on the subprocess handle directly,
// independent of whether the logical session already ended.
func (c *Coordinator) hardKill(sess *activeSession) {
	if sess.subprocessHandle == nil {
		return
	}
	if sess.subprocessHandle.Status() == supervisor.StatusRunning {
		logrus.Warnf("hard-killing terminal subprocess for session %s past grace window", sess.sessionID)
		_ = sess.subprocessHandle.Kill()
	}
}

// watchSubprocessExit ends the session when the subprocess exits on its
// own, if it is still the active session (spec.md §4.6).
func (c *Coordinator) watchSubprocessExit(sess *activeSession, handle *supervisor.Handle) {
	<-handle.Done()
	c.endSession(sess, ReasonContainerExit)
}

// endSession tears down sess if it is still the active session, notifies
// its client, promotes the queue, and performs the end-of-session I/O
// (spec.md §4.2 "End"). Safe to call more than once; later calls no-op
// via the identity check.
func (c *Coordinator) endSession(sess *activeSession, reason EndReason) {
	c.mu.Lock()
	if c.active == nil || c.active != sess {
		c.mu.Unlock()
		return
	}

	spanCtx, span := c.telemetry.StartSpan(context.Background(), "session.end")
	defer span.End()

	now := time.Now()
	clientID := sess.clientID
	inviteToken := sess.inviteToken
	duration := now.Sub(sess.startedAt)
	entry := invite.AuditEntry{
		SessionID:   sess.sessionID,
		ClientID:    clientID,
		StartedAt:   sess.startedAt,
		EndedAt:     now,
		EndReason:   string(reason),
		QueueWaitMs: sess.queueWaitMs,
		SourceAddr:  sess.sourceAddress,
		UserAgent:   sess.userAgent,
	}

	sess.stopTimers()
	if sess.subprocessHandle != nil {
		_ = sess.subprocessHandle.Terminate()
	}
	sess.credentialFile.Release()
	delete(c.sessionTokens, sess.sessionToken)
	c.active = nil
	c.telemetry.SetSessionActive(false)

	if cl, ok := c.clients[clientID]; ok {
		cl.state = StateConnected
		cl.pendingSessionToken = ""
		cl.joinedAt = time.Time{}
		cl.conn.Send(ServerMessage{
			Type:               MsgSessionEnded,
			Reason:             string(reason),
			ClearSessionCookie: true,
		})
	}

	c.promoteLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"sessionId":   entry.SessionID,
		"clientId":    entry.ClientID,
		"startedAt":   entry.StartedAt,
		"endedAt":     entry.EndedAt,
		"endReason":   entry.EndReason,
		"queueWaitMs":   entry.QueueWaitMs,
		"sourceAddress": entry.SourceAddr,
		"userAgent":     entry.UserAgent,
	}).Info("session ended")

	c.telemetry.ObserveSessionDuration(spanCtx, string(reason), duration.Seconds())
	c.telemetry.IncSessionsEnded(spanCtx, string(reason))
	if err := c.store.DeleteSession(spanCtx, clientID); err != nil {
		logrus.WithError(err).Warn("failed to delete session record")
	}
	if inviteToken != "" {
		c.validator.Audit(spanCtx, inviteToken, entry)
	}
}

// promoteLocked admits the queue head into the just-freed active slot,
// skipping any head entries whose client has since disconnected (spec.md
// §4.1 "promotion"). Called with mu held; returns with mu held.
func (c *Coordinator) promoteLocked() {
	for {
		id, ok := c.q.PopHead()
		if !ok {
			return
		}
		cl, exists := c.clients[id]
		if !exists || cl.state != StateQueued {
			continue
		}
		c.broadcastPositionsLocked()
		c.startSessionLocked(cl)
		return
	}
}

// handleReconnect reassigns the active session's client identity to a
// fresh connection presenting the matching invite token and source
// address (spec.md §4.3).
func (c *Coordinator) handleReconnect(conn Conn, identity Identity, inviteToken string) {
	c.mu.Lock()

	if c.active == nil || !c.active.awaitingReconnect ||
		inviteToken != c.active.inviteToken || identity.SourceAddress != c.active.sourceAddress {
		c.mu.Unlock()
		conn.Send(ServerMessage{Type: MsgError, Message: "no reconnectable session"})
		return
	}
	if c.reconnectLocked {
		c.mu.Unlock()
		conn.Send(ServerMessage{Type: MsgError, Message: "reconnect already in progress"})
		return
	}
	c.reconnectLocked = true

	sess := c.active
	if c.disconnectGraceTimer != nil {
		c.disconnectGraceTimer.Stop()
		c.disconnectGraceTimer = nil
	}

	oldClientID := sess.clientID
	delete(c.clients, oldClientID)

	newRec := newClient(conn, identity, inviteToken)
	newRec.state = StateActive
	newRec.pendingSessionToken = sess.sessionToken
	c.clients[newRec.id] = newRec

	sess.clientID = newRec.id
	sess.awaitingReconnect = false
	sess.disconnectedAt = time.Time{}

	sessionToken := sess.sessionToken
	expiresAt := sess.expiresAt

	c.reconnectLocked = false
	c.mu.Unlock()

	conn.Send(ServerMessage{Type: MsgSessionToken, SessionToken: sessionToken})
	conn.Send(ServerMessage{
		Type:         MsgSessionStarting,
		TerminalURL:  "/terminal",
		ExpiresAt:    expiresAt.Format(time.RFC3339),
		SessionToken: sessionToken,
		Reconnected:  true,
	})
}

// Leave handles a leave_queue frame. No-ops for a client not currently
// queued (spec.md §8 property: idempotent leave).
func (c *Coordinator) Leave(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[clientID]
	if !ok || cl.state != StateQueued {
		return
	}

	c.q.Remove(clientID)
	delete(c.pendingTokens, cl.pendingSessionToken)
	cl.pendingSessionToken = ""
	cl.state = StateConnected
	cl.joinedAt = time.Time{}
	cl.conn.Send(ServerMessage{Type: MsgLeftQueue})
	c.broadcastPositionsLocked()
	c.telemetry.SetQueueSize(c.q.Len())
}

// Heartbeat handles a heartbeat frame by replying with heartbeat_ack.
func (c *Coordinator) Heartbeat(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[clientID]; ok {
		cl.conn.Send(ServerMessage{Type: MsgHeartbeatAck})
	}
}

// Disconnect handles a closed connection: drops a connected or queued
// client immediately, or starts the reconnect grace window for the
// active client (spec.md §4.1, §4.3 "Disconnect of the active client").
func (c *Coordinator) Disconnect(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[clientID]
	if !ok {
		return
	}

	switch cl.state {
	case StateQueued:
		c.q.Remove(clientID)
		delete(c.pendingTokens, cl.pendingSessionToken)
		delete(c.clients, clientID)
		c.broadcastPositionsLocked()
		c.telemetry.SetQueueSize(c.q.Len())

	case StateActive:
		if c.active != nil && c.active.clientID == clientID {
			sess := c.active
			sess.awaitingReconnect = true
			sess.disconnectedAt = time.Now()
			delete(c.clients, clientID)

			if c.disconnectGraceTimer != nil {
				c.disconnectGraceTimer.Stop()
			}
			c.disconnectGraceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() { c.graceExpired(sess) })
		} else {
			delete(c.clients, clientID)
		}

	default:
		delete(c.clients, clientID)
	}
}

// graceExpired ends sess for ReasonDisconnected if it is still awaiting
// reconnect when the grace window elapses (spec.md §4.3 "Grace window").
func (c *Coordinator) graceExpired(sess *activeSession) {
	c.mu.Lock()
	if c.active != sess || !sess.awaitingReconnect {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.endSession(sess, ReasonDisconnected)
}

// broadcastPositionsLocked re-sends queue_position to every queued client
// after a mutation changes the ordering (spec.md §4.1). Called with mu
// held.
func (c *Coordinator) broadcastPositionsLocked() {
	ids := c.q.Snapshot()
	for i, id := range ids {
		cl, ok := c.clients[id]
		if !ok {
			continue
		}
		position := i + 1
		cl.conn.Send(ServerMessage{
			Type:          MsgQueuePosition,
			Position:      position,
			QueueSize:     intPtr(len(ids)),
			EstimatedWait: estimatedWait(position, c.cfg.AverageSession),
		})
	}
}

// estimatedWait renders position * averageSession as "N minutes" (spec.md
// §4.1 "Estimated wait").
func estimatedWait(position int, averageSession time.Duration) string {
	minutes := position * int(averageSession.Minutes())
	return fmt.Sprintf("%d minutes", minutes)
}

// Status reports a point-in-time snapshot for the /status HTTP endpoint
// (spec.md §6.2).
func (c *Coordinator) Status() (queueSize int, sessionActive bool, estimated string, maxQueueSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qs := c.q.Len()
	return qs, c.active != nil, estimatedWait(qs, c.cfg.AverageSession), c.cfg.MaxQueueSize
}

// ValidateSessionToken resolves a bearer session token to an opaque
// principal identifier for the /session/validate auth-subrequest endpoint
// (spec.md §4.8, §6.2). A token transferred into the session-token map
// but whose session has since ended is evicted lazily here.
func (c *Coordinator) ValidateSessionToken(tok string) (principal string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID, found := c.sessionTokens[tok]; found {
		if c.active != nil && c.active.sessionID == sessionID {
			return principalFor(sessionID), true
		}
		delete(c.sessionTokens, tok)
		return "", false
	}
	if entry, found := c.pendingTokens[tok]; found {
		return principalFor(entry.clientID), true
	}
	return "", false
}

// ValidateInvite validates an invite token for the /invite/validate
// endpoint (spec.md §4.8), reusing the same decision tree join uses.
func (c *Coordinator) ValidateInvite(ctx context.Context, inviteToken, sourceAddr string) invite.Result {
	return c.validator.Validate(ctx, inviteToken, sourceAddr, c)
}

// ActiveSessionMatches implements invite.RejoinMatcher.
func (c *Coordinator) ActiveSessionMatches(inviteToken, sourceAddr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.inviteToken == inviteToken && c.active.sourceAddress == sourceAddr
}

// PendingTokenMatches implements invite.RejoinMatcher.
func (c *Coordinator) PendingTokenMatches(inviteToken, sourceAddr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.pendingTokens {
		if entry.inviteToken == inviteToken && entry.sourceAddress == sourceAddr {
			return true
		}
	}
	return false
}

// Shutdown drains the queue and ends any active session with
// ReasonShutdown (spec.md §4.7 "Graceful shutdown").
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	sess := c.active
	for _, id := range c.q.Snapshot() {
		if cl, ok := c.clients[id]; ok {
			cl.conn.Send(ServerMessage{Type: MsgLeftQueue})
		}
	}
	c.q = newQueue(c.cfg.MaxQueueSize)
	c.mu.Unlock()

	if sess != nil {
		c.endSession(sess, ReasonShutdown)
	}
}

func principalFor(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "demo-" + id
}
