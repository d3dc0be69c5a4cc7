package service

import (
	"time"

	"github.com/sifan077/RoomGate/internal/app/model"
)

// ClaimState is derived from a record at read time; it is never stored.
type ClaimState int

const (
	Unclaimed ClaimState = iota
	ClaimedActive
	ClaimedStale
)

func (s ClaimState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case ClaimedActive:
		return "claimed-active"
	case ClaimedStale:
		return "claimed-stale"
	default:
		return "unknown"
	}
}

// Ownership decides claim transitions for owner-claimed links. It never
// touches the store: callers commit the returned record with a conditional write.
// A nil record with a nil error means no write is needed.
type Ownership struct {
	InactivityTimeout time.Duration
}

// State computes the claim state of rec at now.
func (o Ownership) State(rec *model.LinkRecord, now time.Time) ClaimState {
	if !rec.Claimed() {
		return Unclaimed
	}
	if now.Sub(*rec.LastSeen) > o.InactivityTimeout {
		return ClaimedStale
	}
	return ClaimedActive
}

// Redeem grants rec to clientID or rejects it with ErrForbidden.
func (o Ownership) Redeem(rec *model.LinkRecord, clientID string, now time.Time) (*model.LinkRecord, model.EventType, error) {
	if clientID == "" {
		return nil, "", ErrForbidden
	}

	next := *rec
	switch o.State(rec, now) {
	case Unclaimed:
		next.Claim(clientID, now)
		return &next, model.EventClaimed, nil
	case ClaimedActive:
		if rec.OwnerClaim != clientID {
			return nil, "", ErrForbidden
		}
		next.Claim(clientID, now)
		return &next, model.EventRedeemed, nil
	default:
		// Stale claims go to whoever asks first, the previous owner included.
		next.Claim(clientID, now)
		if rec.OwnerClaim == clientID {
			return &next, model.EventRedeemed, nil
		}
		return &next, model.EventReclaimed, nil
	}
}

// Heartbeat refreshes the owner's lastSeen.
func (o Ownership) Heartbeat(rec *model.LinkRecord, clientID string, now time.Time) (*model.LinkRecord, model.EventType, error) {
	if clientID == "" || !rec.Claimed() || rec.OwnerClaim != clientID {
		return nil, "", ErrForbidden
	}
	next := *rec
	next.Claim(clientID, now)
	return &next, model.EventHeartbeat, nil
}

// Leave releases the claim held by clientID.
func (o Ownership) Leave(rec *model.LinkRecord, clientID string, _ time.Time) (*model.LinkRecord, model.EventType, error) {
	if !rec.Claimed() {
		return nil, "", nil
	}
	if clientID == "" || rec.OwnerClaim != clientID {
		return nil, "", ErrForbidden
	}
	next := *rec
	next.Release()
	return &next, model.EventReleased, nil
}
