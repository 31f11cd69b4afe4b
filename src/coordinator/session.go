package coordinator

import (
	"time"

	"github.com/grandcamel/ttyd-queue/src/supervisor"
)

// activeSession is the at-most-one ActiveSession record of spec.md §3.
type activeSession struct {
	sessionID     string
	clientID      string
	sessionToken  string
	inviteToken   string
	sourceAddress string
	userAgent     string

	startedAt   time.Time
	expiresAt   time.Time
	queueWaitMs int64

	subprocessHandle *supervisor.Handle
	credentialFile   *supervisor.CredentialFile

	awaitingReconnect bool
	disconnectedAt    time.Time

	warningTimer     *time.Timer
	timeoutTimer     *time.Timer
	hardTimeoutTimer *time.Timer
}

func (s *activeSession) stopTimers() {
	if s.warningTimer != nil {
		s.warningTimer.Stop()
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	if s.hardTimeoutTimer != nil {
		s.hardTimeoutTimer.Stop()
	}
}

// pendingTokenEntry is a PendingSessionToken Map value (spec.md §3).
type pendingTokenEntry struct {
	clientID      string
	inviteToken   string
	sourceAddress string
	createdAt     time.Time
}
