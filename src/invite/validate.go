package invite

import (
	"context"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome is the decision returned by Validate (spec.md §4.4).
type Outcome string

const (
	OutcomeValid     Outcome = "valid"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeRevoked   Outcome = "revoked"
	OutcomeUsed      Outcome = "used"
	OutcomeRejoin    Outcome = "rejoin"
	OutcomeExpired   Outcome = "expired"
)

// Result is what Validate returns to a caller deciding whether to admit a
// join attempt.
type Result struct {
	Valid   bool
	Outcome Outcome
	Record  *Record
	Rejoin  bool
}

// tokenSyntax is the 4-64 char [A-Za-z0-9_-] rule from spec.md §4.4.
var tokenSyntax = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// RejoinMatcher answers whether an otherwise-used invite is eligible for
// rejoin from sourceAddr, per spec.md §4.4 step 2: check the active
// session first, then any pending-token entry. Implemented by the
// coordinator, which alone holds that state (spec.md §5).
type RejoinMatcher interface {
	ActiveSessionMatches(inviteToken, sourceAddr string) bool
	PendingTokenMatches(inviteToken, sourceAddr string) bool
}

// Counter increments the invites_validated counter with a status label
// (spec.md §6.5). Implemented by the telemetry package.
type Counter interface {
	IncInvitesValidated(status string)
}

// inviteStore is the subset of *Store the validator needs. Kept as an
// interface so tests can substitute an in-memory fake instead of a real
// key-value store.
type inviteStore interface {
	GetInvite(ctx context.Context, token string) (*Record, error)
	PutInvite(ctx context.Context, token string, rec *Record, ttl time.Duration) error
}

// Validator decides join-time invite outcomes and performs end-of-session
// audit writes.
type Validator struct {
	store          inviteStore
	auditRetention time.Duration
	counter        Counter
}

// NewValidator builds a Validator over store, emitting counter for every
// decision (spec.md §4.4 "increments the invites_validated counter").
func NewValidator(store inviteStore, auditRetention time.Duration, counter Counter) *Validator {
	return &Validator{store: store, auditRetention: auditRetention, counter: counter}
}

// Validate implements the decision tree of spec.md §4.4.
func (v *Validator) Validate(ctx context.Context, token, sourceAddr string, rejoin RejoinMatcher) Result {
	if token == "" {
		// No invite token was presented. Joining without an invite is
		// allowed, so this validates without a store lookup and without
		// incrementing the counter.
		return Result{Valid: true, Outcome: OutcomeValid}
	}

	if !tokenSyntax.MatchString(token) {
		v.count(OutcomeInvalid)
		return Result{Valid: false, Outcome: OutcomeInvalid}
	}

	rec, err := v.store.GetInvite(ctx, token)
	if err != nil {
		// Key-value store failure during validation fails closed
		// (spec.md §7): treated as not_found rather than retried.
		logrus.WithError(err).Warn("invite store read failed, failing closed")
		v.count(OutcomeNotFound)
		return Result{Valid: false, Outcome: OutcomeNotFound}
	}
	if rec == nil {
		v.count(OutcomeNotFound)
		return Result{Valid: false, Outcome: OutcomeNotFound}
	}

	if rec.Status == StatusRevoked {
		v.count(OutcomeRevoked)
		return Result{Valid: false, Outcome: OutcomeRevoked, Record: rec}
	}

	if rec.Status == StatusUsed || rec.UseCount >= rec.MaxUses {
		if rejoin != nil {
			if rejoin.ActiveSessionMatches(token, sourceAddr) || rejoin.PendingTokenMatches(token, sourceAddr) {
				v.count(OutcomeRejoin)
				return Result{Valid: true, Outcome: OutcomeRejoin, Record: rec, Rejoin: true}
			}
		}
		v.count(OutcomeUsed)
		return Result{Valid: false, Outcome: OutcomeUsed, Record: rec}
	}

	if rec.ExpiresAt.Before(time.Now()) {
		rec.Status = StatusExpired
		ttl := v.retentionTTL(rec.ExpiresAt)
		if err := v.store.PutInvite(ctx, token, rec, ttl); err != nil {
			logrus.WithError(err).Warn("failed to persist expired invite status")
		}
		v.count(OutcomeExpired)
		return Result{Valid: false, Outcome: OutcomeExpired, Record: rec}
	}

	v.count(OutcomeValid)
	return Result{Valid: true, Outcome: OutcomeValid, Record: rec}
}

// Audit appends an end-of-session record to the invite and marks it used
// once maxUses is reached (spec.md §4.4 "Audit write"). Read/write
// failures are logged and swallowed — audit loss must never block a
// client-visible path.
func (v *Validator) Audit(ctx context.Context, token string, entry AuditEntry) {
	rec, err := v.store.GetInvite(ctx, token)
	if err != nil || rec == nil {
		logrus.WithError(err).Warn("invite audit: failed to read record, dropping audit entry")
		return
	}

	rec.Sessions = append(rec.Sessions, entry)
	rec.UseCount++
	if rec.UseCount >= rec.MaxUses {
		rec.Status = StatusUsed
	}

	ttl := v.retentionTTL(rec.ExpiresAt)
	if err := v.store.PutInvite(ctx, token, rec, ttl); err != nil {
		logrus.WithError(err).Warn("invite audit: failed to persist record")
	}
}

// retentionTTL computes max(expiresAt + AUDIT_RETENTION_DAYS - now, 1 day),
// per spec.md §3 and §4.4.
func (v *Validator) retentionTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt.Add(v.auditRetention))
	if ttl < 24*time.Hour {
		return 24 * time.Hour
	}
	return ttl
}

func (v *Validator) count(outcome Outcome) {
	if v.counter != nil {
		v.counter.IncInvitesValidated(string(outcome))
	}
}
