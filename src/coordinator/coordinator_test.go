package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grandcamel/ttyd-queue/src/config"
	"github.com/grandcamel/ttyd-queue/src/invite"
	"github.com/grandcamel/ttyd-queue/src/supervisor"
	"github.com/grandcamel/ttyd-queue/src/token"
)

// fakeConn is an in-memory Conn for tests: it records every frame sent to
// it instead of writing to a real websocket.
type fakeConn struct {
	mu       sync.Mutex
	id       string
	identity Identity
	sent     []ServerMessage
}

func newFakeConn(id, sourceAddr string) *fakeConn {
	return &fakeConn{id: id, identity: Identity{SourceAddress: sourceAddr, UserAgent: "test-agent"}}
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) Identity() Identity { return f.identity }

func (f *fakeConn) Send(msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func (f *fakeConn) last(msgType string) (ServerMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == msgType {
			return f.sent[i], true
		}
	}
	return ServerMessage{}, false
}

// noopTelemetry discards every call; coordinator tests assert on protocol
// frames and internal state, not on emitted metrics.
type noopTelemetry struct{}

func (noopTelemetry) SetQueueSize(n int)                                         {}
func (noopTelemetry) SetSessionActive(active bool)                               {}
func (noopTelemetry) IncSessionsStarted(ctx context.Context)                     {}
func (noopTelemetry) IncSessionsEnded(ctx context.Context, reason string)        {}
func (noopTelemetry) ObserveSessionDuration(ctx context.Context, reason string, seconds float64) {}
func (noopTelemetry) ObserveQueueWait(ctx context.Context, seconds float64)       {}
func (noopTelemetry) ObserveSpawn(ctx context.Context, seconds float64)           {}
func (noopTelemetry) IncInvitesValidated(status string)                          {}
func (noopTelemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return noop.NewTracerProvider().Tracer("test").Start(ctx, name)
}

// fakeInviteStore is an in-memory invite record store for coordinator
// tests, avoiding a real key-value store dependency.
type fakeInviteStore struct {
	mu       sync.Mutex
	invites  map[string]*invite.Record
	sessions map[string]*invite.SessionRecord
}

func newFakeInviteStore() *fakeInviteStore {
	return &fakeInviteStore{invites: make(map[string]*invite.Record), sessions: make(map[string]*invite.SessionRecord)}
}

func (s *fakeInviteStore) GetInvite(ctx context.Context, tok string) (*invite.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.invites[tok]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeInviteStore) PutInvite(ctx context.Context, tok string, rec *invite.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.invites[tok] = &cp
	return nil
}

func (s *fakeInviteStore) PutSession(ctx context.Context, clientID string, rec *invite.SessionRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.sessions[clientID] = &cp
	return nil
}

func (s *fakeInviteStore) DeleteSession(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	return nil
}

// testCoordinator holds a Coordinator wired to fakes, plus the knobs tests
// mutate directly (subprocess handles to simulate exit).
type testCoordinator struct {
	*Coordinator
	store  *fakeInviteStore
	spawns chan *supervisor.Handle
}

func newTestCoordinator(t *testing.T, cfg *config.Config) *testCoordinator {
	t.Helper()
	store := newFakeInviteStore()
	validator := invite.NewValidator(store, 30*24*time.Hour, noopTelemetry{})
	minter := token.NewMinter("test-secret")

	spawnCh := make(chan *supervisor.Handle, 64)
	spawn := func(ctx context.Context, spec supervisor.Spec) (*supervisor.Handle, error) {
		// A real Handle with no underlying process: tests end sessions
		// directly via endSession/disconnect paths rather than letting
		// this fake subprocess exit on its own, except where a test
		// explicitly signals exit through the returned handle.
		h := supervisor.NewHandleForTest()
		spawnCh <- h
		return h, nil
	}

	c := New(Deps{
		Config:    cfg,
		Store:     store,
		Validator: validator,
		Minter:    minter,
		Telemetry: noopTelemetry{},
		Spawn:     spawn,
	})
	return &testCoordinator{Coordinator: c, store: store, spawns: spawnCh}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SessionTimeout:          time.Hour,
		MaxQueueSize:            10,
		AverageSession:          45 * time.Minute,
		DisconnectGrace:         80 * time.Millisecond,
		AuditRetention:          30 * 24 * time.Hour,
		SessionEnvHostPath:      t.TempDir() + "/ttyd-session.env",
		SessionEnvContainerPath: "/run/secrets/session.env",
		TerminalCommand:         "true",
		TerminalPort:            7681,
	}
}

func seedInvite(tc *testCoordinator, tok string, rec *invite.Record) {
	tc.store.mu.Lock()
	defer tc.store.mu.Unlock()
	tc.store.invites[tok] = rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within timeout")
	}
}

// S1 Empty queue admission.
func TestEmptyQueueAdmission(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))
	seedInvite(tc, "invite-t1-token", &invite.Record{Status: invite.StatusActive, MaxUses: 1, ExpiresAt: time.Now().Add(time.Hour)})

	c1 := newFakeConn("c1", "10.0.0.7")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "invite-t1-token")

	types := c1.types()
	want := []string{MsgStatus, MsgSessionToken, MsgSessionStarting}
	if len(types) != len(want) {
		t.Fatalf("got frames %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q (full: %v)", i, types[i], want[i], types)
		}
	}

	tok, _ := c1.last(MsgSessionToken)
	starting, _ := c1.last(MsgSessionStarting)
	if tok.SessionToken == "" || tok.SessionToken != starting.SessionToken {
		t.Errorf("session_token (%q) must equal session_starting's token (%q)", tok.SessionToken, starting.SessionToken)
	}

	qs, active, _, _ := tc.Status()
	if qs != 0 || !active {
		t.Errorf("Status() = (%d, %v), want (0, true)", qs, active)
	}
}

// S2 Queue and promote.
func TestQueueAndPromote(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))

	c1 := newFakeConn("c1", "10.0.0.7")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "")

	c2 := newFakeConn("c2", "10.0.0.8")
	tc.Connect(c2)
	tc.Join(context.Background(), c2, "")

	pos, ok := c2.last(MsgQueuePosition)
	if !ok || pos.Position != 1 || pos.QueueSize == nil || *pos.QueueSize != 1 || pos.EstimatedWait != "45 minutes" {
		t.Fatalf("C2 queue_position = %+v, want position=1 queue_size=1 estimated_wait=45 minutes", pos)
	}

	var h *supervisor.Handle
	select {
	case h = <-tc.spawns:
	case <-time.After(time.Second):
		t.Fatal("C1's subprocess was never spawned")
	}
	h.SimulateExit()

	waitFor(t, time.Second, func() bool {
		_, ok := c2.last(MsgSessionStarting)
		return ok
	})

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.active == nil || tc.active.clientID != "c2" {
		t.Fatalf("expected c2 to hold the active slot after promotion, active=%+v", tc.active)
	}
}

// S3 Full queue.
func TestFullQueueRejectsAndLeavesQueueUnchanged(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxQueueSize = 1
	tc := newTestCoordinator(t, cfg)

	c1 := newFakeConn("c1", "10.0.0.7")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "")

	c2 := newFakeConn("c2", "10.0.0.8")
	tc.Connect(c2)
	tc.Join(context.Background(), c2, "")

	c3 := newFakeConn("c3", "10.0.0.9")
	tc.Connect(c3)
	tc.Join(context.Background(), c3, "")

	if _, ok := c3.last(MsgQueueFull); !ok {
		t.Fatalf("expected C3 to receive queue_full, got %v", c3.types())
	}
	if tc.q.Len() != 1 || !tc.q.Contains("c2") {
		t.Fatalf("expected queue unchanged with only c2, got %v", tc.q.Snapshot())
	}
}

// S4 Used invite rejected, rejoin accepted.
func TestUsedInviteRejectedRejoinAccepted(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))
	seedInvite(tc, "invite-t1-token", &invite.Record{Status: invite.StatusUsed, MaxUses: 1, UseCount: 1, ExpiresAt: time.Now().Add(time.Hour)})

	// Fabricate an active session recorded against T1 from 10.0.0.7,
	// without going through Join (which would itself need a valid invite).
	tc.mu.Lock()
	tc.active = &activeSession{sessionID: "s1", clientID: "holder", inviteToken: "invite-t1-token", sourceAddress: "10.0.0.7"}
	tc.mu.Unlock()

	other := newFakeConn("c-other", "10.0.0.8")
	tc.Connect(other)
	tc.Join(context.Background(), other, "invite-t1-token")
	if _, ok := other.last(MsgInviteInvalid); !ok {
		t.Fatalf("expected invite_invalid for mismatched source, got %v", other.types())
	}

	matching := newFakeConn("c-matching", "10.0.0.7")
	tc.Connect(matching)
	result := tc.ValidateInvite(context.Background(), "invite-t1-token", "10.0.0.7")
	if !result.Valid || !result.Rejoin {
		t.Fatalf("expected rejoin-eligible validation, got %+v", result)
	}
}

// S5 Disconnect within grace, S6 disconnect past grace.
func TestReconnectWithinGraceResumesSameSession(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))
	seedInvite(tc, "invite-t1-token", &invite.Record{Status: invite.StatusActive, MaxUses: 1, ExpiresAt: time.Now().Add(time.Hour)})

	c1 := newFakeConn("c1", "10.0.0.7")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "invite-t1-token")

	tok, _ := c1.last(MsgSessionToken)
	starting, _ := c1.last(MsgSessionStarting)

	tc.Disconnect(c1.ID())

	c1b := newFakeConn("c1-reconnect", "10.0.0.7")
	tc.Join(context.Background(), c1b, "invite-t1-token")

	newTok, ok := c1b.last(MsgSessionToken)
	if !ok || newTok.SessionToken != tok.SessionToken {
		t.Fatalf("reconnect session_token = %+v, want %q", newTok, tok.SessionToken)
	}
	newStarting, ok := c1b.last(MsgSessionStarting)
	if !ok || !newStarting.Reconnected || newStarting.ExpiresAt != starting.ExpiresAt {
		t.Fatalf("reconnect session_starting = %+v, want reconnected=true expires_at=%q", newStarting, starting.ExpiresAt)
	}
}

func TestDisconnectPastGraceEndsSessionAndEvictsToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisconnectGrace = 20 * time.Millisecond
	tc := newTestCoordinator(t, cfg)

	c1 := newFakeConn("c1", "10.0.0.7")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "")

	tok, _ := c1.last(MsgSessionToken)
	tc.Disconnect(c1.ID())

	waitFor(t, time.Second, func() bool {
		_, active, _, _ := tc.Status()
		return !active
	})

	if _, ok := tc.ValidateSessionToken(tok.SessionToken); ok {
		t.Fatalf("expected session token to be evicted after grace expiry")
	}
}

// Property 1: queue uniqueness.
func TestQueueUniqueness(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))

	c1 := newFakeConn("c1", "10.0.0.1")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "") // admitted directly, not queued

	conn := newFakeConn("c2", "10.0.0.2")
	tc.Connect(conn)
	tc.Join(context.Background(), conn, "")
	tc.Join(context.Background(), conn, "") // repeat join_queue while already queued

	count := 0
	for _, id := range tc.q.Snapshot() {
		if id == "c2" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("client c2 appears %d times in queue, want 1", count)
	}
}

// Property 10: idempotent leave.
func TestIdempotentLeave(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))
	c1 := newFakeConn("c1", "10.0.0.1")
	tc.Connect(c1)

	before := len(c1.types())
	tc.Leave(c1.ID())
	if len(c1.types()) != before {
		t.Fatalf("leave_queue on a non-queued connection must emit no frame")
	}
}

// Property 11: audit append, exercised through a real session end.
func TestAuditAppendOnSessionEnd(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))
	seedInvite(tc, "invite-t1-token", &invite.Record{Status: invite.StatusActive, MaxUses: 1, UseCount: 0, ExpiresAt: time.Now().Add(time.Hour)})

	c1 := newFakeConn("c1", "10.0.0.7")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "invite-t1-token")

	tc.mu.Lock()
	sess := tc.active
	tc.mu.Unlock()
	tc.endSession(sess, ReasonUserEnded)

	rec, err := tc.store.GetInvite(context.Background(), "invite-t1-token")
	if err != nil || rec == nil {
		t.Fatalf("expected invite record to still exist, err=%v rec=%v", err, rec)
	}
	if rec.UseCount != 1 || rec.Status != invite.StatusUsed {
		t.Fatalf("expected useCount=1 status=used, got %+v", rec)
	}
	if len(rec.Sessions) != 1 || rec.Sessions[0].EndReason != string(ReasonUserEnded) {
		t.Fatalf("expected one audit entry with end reason %q, got %+v", ReasonUserEnded, rec.Sessions)
	}
}

// Property 3 / 4: at-most-one active session, promotion completeness.
func TestAtMostOneActiveSessionAndPromotionCompleteness(t *testing.T) {
	tc := newTestCoordinator(t, testConfig(t))

	c1 := newFakeConn("c1", "10.0.0.1")
	tc.Connect(c1)
	tc.Join(context.Background(), c1, "")

	c2 := newFakeConn("c2", "10.0.0.2")
	tc.Connect(c2)
	tc.Join(context.Background(), c2, "")

	tc.mu.Lock()
	if tc.active == nil {
		t.Fatal("expected an active session after the first join")
	}
	sess := tc.active
	tc.mu.Unlock()

	tc.endSession(sess, ReasonUserEnded)

	waitFor(t, time.Second, func() bool {
		_, active, _, _ := tc.Status()
		return active
	})

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.active == nil {
		t.Fatal("expected promotion to fill the active slot from the queue")
	}
	if tc.active.clientID != "c2" {
		t.Fatalf("expected c2 to be promoted, got %q", tc.active.clientID)
	}
	if tc.q.Len() != 0 {
		t.Fatalf("expected queue to be empty after promoting its only member, got %v", tc.q.Snapshot())
	}
}
