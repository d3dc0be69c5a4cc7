package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventType names a link lifecycle transition.
type EventType string

const (
	EventIssued    EventType = "issued"
	EventRedeemed  EventType = "redeemed"
	EventConsumed  EventType = "consumed"
	EventClaimed   EventType = "claimed"
	EventReclaimed EventType = "reclaimed"
	EventHeartbeat EventType = "heartbeat"
	EventReleased  EventType = "released"
	EventRevoked   EventType = "revoked"
)

// LinkEvent is published to JetStream after every committed transition.
// Tokens never leave the broker; events carry a fingerprint instead.
type LinkEvent struct {
	ID               string     `json:"id"`
	Type             EventType  `json:"type"`
	TokenFingerprint string     `json:"token_fp"`
	Mode             Mode       `json:"mode"`
	ResourceRef      string     `json:"resource_ref,omitempty"`
	ClientID         string     `json:"client_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

const (
	LinkStreamName     = "LINKS"
	LinkStreamSubject  = "links.events"
	LinkConsumerName   = "link-auditor"
	LinkStreamMaxBytes = 1024 * 1024 * 64 // 64MB
)

// TokenFingerprint is the SHA-256 hex digest used wherever a token has to be
// referenced outside the token store.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
