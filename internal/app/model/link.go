package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Mode selects the lifecycle policy of a link.
type Mode string

const (
	ModeSingleUse    Mode = "single-use"
	ModeEphemeralTTL Mode = "ephemeral-ttl"
	ModePersistent   Mode = "persistent"
	ModeOwnerClaimed Mode = "owner-claimed"
)

// Modes lists every supported mode in a stable order.
var Modes = []Mode{ModeSingleUse, ModeEphemeralTTL, ModePersistent, ModeOwnerClaimed}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSingleUse, ModeEphemeralTTL, ModePersistent, ModeOwnerClaimed:
		return true
	}
	return false
}

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown link mode %q", s)
	}
	return m, nil
}

const (
	// TokenLength is the fixed number of characters in a link token.
	TokenLength = 22
	// MaxResourceRefLength bounds room names accepted by the broker.
	MaxResourceRefLength = 64
)

var (
	resourceRefPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	tokenPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)
)

// ValidResourceRef reports whether ref may be used to build a downstream room URL.
func ValidResourceRef(ref string) bool {
	return resourceRefPattern.MatchString(ref)
}

// ValidToken reports whether token has the shape of a minted token.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// ErrMalformedRecord is returned when a stored value is not a canonical LinkRecord.
var ErrMalformedRecord = errors.New("malformed link record")

// LinkRecord binds an opaque token to a room. It is the only value kept in the token store.
type LinkRecord struct {
	Token       string     `json:"token"`
	ResourceRef string     `json:"resource_ref"`
	Mode        Mode       `json:"mode"`
	OwnerClaim  string     `json:"owner_claim,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Claimed reports whether a client currently holds the link.
func (r *LinkRecord) Claimed() bool {
	return r.OwnerClaim != ""
}

// Claim binds the record to clientID as of now.
func (r *LinkRecord) Claim(clientID string, now time.Time) {
	t := now.UTC()
	r.OwnerClaim = clientID
	r.LastSeen = &t
}

// Release clears the claim.
func (r *LinkRecord) Release() {
	r.OwnerClaim = ""
	r.LastSeen = nil
}

// Validate checks the record invariants.
func (r *LinkRecord) Validate() error {
	if !ValidToken(r.Token) {
		return fmt.Errorf("%w: bad token", ErrMalformedRecord)
	}
	if !ValidResourceRef(r.ResourceRef) {
		return fmt.Errorf("%w: bad resource ref", ErrMalformedRecord)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: bad mode %q", ErrMalformedRecord, r.Mode)
	}
	if (r.OwnerClaim == "") != (r.LastSeen == nil) {
		return fmt.Errorf("%w: owner claim and last seen must be set together", ErrMalformedRecord)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrMalformedRecord)
	}
	return nil
}

// Encode returns the canonical serialization of the record.
func (r *LinkRecord) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeLinkRecord parses a stored value. Anything other than one canonical
// JSON object is rejected.
func DecodeLinkRecord(data []byte) (*LinkRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var rec LinkRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedRecord)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}
