// Package invite implements the Invite Store Adapter and invite validation
// described in spec.md §4.4, wrapping the external key-value store.
package invite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Status mirrors the InviteRecord.status enum in spec.md §3.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// AuditEntry is one append-only record in Record.Sessions (spec.md §4.4).
type AuditEntry struct {
	SessionID   string   `json:"sessionId"`
	ClientID    string   `json:"clientId"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	EndReason   string   `json:"endReason"`
	QueueWaitMs int64    `json:"queueWaitMs"`
	SourceAddr  string   `json:"sourceAddress"`
	UserAgent   string   `json:"userAgent"`
	Errors      []string `json:"errors,omitempty"`
}

// Record is the JSON value stored at invite:<token> (spec.md §3, §6.4).
type Record struct {
	ExpiresAt time.Time    `json:"expiresAt"`
	MaxUses   int          `json:"maxUses"`
	UseCount  int          `json:"useCount"`
	Status    Status       `json:"status"`
	Sessions  []AuditEntry `json:"sessions"`
}

// SessionRecord is the best-effort persistence record at session:<clientId>
// (spec.md §3, §6.4). Never read back by the core.
type SessionRecord struct {
	SessionID   string    `json:"sessionId"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	InviteToken string    `json:"inviteToken,omitempty"`
	SourceAddr  string    `json:"sourceAddress"`
	UserAgent   string    `json:"userAgent"`
	QueueWaitMs int64     `json:"queueWaitMs"`
}

// Store is a thin semantic wrapper around the key-value store, grounded on
// the pack's redis.Client adapter pattern (connect, ping, typed reads).
type Store struct {
	client *redis.Client
}

// NewStore dials the key-value store at url (e.g. "redis://host:6379/0")
// and verifies connectivity before returning.
func NewStore(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping key-value store: %w", err)
	}

	logrus.Info("connected to key-value store")
	return &Store{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func inviteKey(token string) string {
	return "invite:" + token
}

func sessionKey(clientID string) string {
	return "session:" + clientID
}

// GetInvite reads the invite record for token. Returns (nil, nil) if the
// key is absent.
func (s *Store) GetInvite(ctx context.Context, token string) (*Record, error) {
	raw, err := s.client.Get(ctx, inviteKey(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invite store read failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("invite record corrupt: %w", err)
	}
	return &rec, nil
}

// PutInvite writes rec back at token's key with the given TTL, renewing it
// (spec.md: "renews TTL on update").
func (s *Store) PutInvite(ctx context.Context, token string, rec *Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("invite record encode failed: %w", err)
	}
	if err := s.client.Set(ctx, inviteKey(token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("invite store write failed: %w", err)
	}
	return nil
}

// PutSession writes the best-effort session persistence record (spec.md
// §4.2 step 8). Failures here are logged and swallowed by the caller.
func (s *Store) PutSession(ctx context.Context, clientID string, rec *SessionRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session record encode failed: %w", err)
	}
	return s.client.Set(ctx, sessionKey(clientID), raw, ttl).Err()
}

// DeleteSession removes the best-effort session persistence record
// (spec.md §4.2 step 8, end step 8).
func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, sessionKey(clientID)).Err()
}
