// Package token mints and verifies the opaque bearer tokens handed to
// clients on queue entry and session start (spec.md §4.5).
//
// Token shape is an implementation detail: per spec.md §9 ("Token
// opacity"), only the token-to-session maps maintained by the coordinator
// are ever consulted on validation. The HMAC construction here exists so an
// operator can eyeball a token's mint time for debugging; nothing trusts
// the decoded payload.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Minter produces opaque session tokens bound to a process-wide secret.
type Minter struct {
	secret []byte
}

// NewMinter constructs a Minter from the configured HMAC secret.
func NewMinter(secret string) *Minter {
	return &Minter{secret: []byte(secret)}
}

// Mint builds a fresh token for sessionId. The construction is
// "sessionId:unixMillis", base64-encoded, followed by "." and a hex
// HMAC-SHA-256 of the pre-encoded string. Millisecond-timestamp uniqueness
// is sufficient in practice; the minter never re-mints the same token.
func (m *Minter) Mint(sessionID string) string {
	payload := fmt.Sprintf("%s:%d", sessionID, time.Now().UnixMilli())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	sig := m.sign(payload)
	return encoded + "." + sig
}

func (m *Minter) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that a token carries a valid signature for this minter's
// secret. It does not check liveness — that's the token maps' job.
func (m *Minter) Verify(tok string) bool {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	expected := m.sign(string(raw))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// SessionIDHint extracts the sessionId embedded in a token's payload, for
// offline debuggability only. Never trusted for authorization decisions.
func SessionIDHint(tok string) (string, bool) {
	encoded, _, ok := strings.Cut(tok, ".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	sessionID, millis, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", false
	}
	if _, err := strconv.ParseInt(millis, 10, 64); err != nil {
		return "", false
	}
	return sessionID, true
}
