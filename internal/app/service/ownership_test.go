package service

import (
	"errors"
	"testing"
	"time"

	"github.com/sifan077/RoomGate/internal/app/model"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func claimedRecord(owner string, lastSeen time.Time) *model.LinkRecord {
	rec := &model.LinkRecord{
		Token:       "AbCdEfGhIjKlMnOpQrStU_",
		ResourceRef: "RoomB",
		Mode:        model.ModeOwnerClaimed,
		CreatedAt:   t0,
	}
	if owner != "" {
		rec.Claim(owner, lastSeen)
	}
	return rec
}

func TestOwnership_State(t *testing.T) {
	o := Ownership{InactivityTimeout: 45 * time.Second}
	tests := []struct {
		name string
		rec  *model.LinkRecord
		now  time.Time
		want ClaimState
	}{
		{"unclaimed", claimedRecord("", time.Time{}), t0, Unclaimed},
		{"fresh claim", claimedRecord("x", t0), t0.Add(10 * time.Second), ClaimedActive},
		{"exactly at timeout", claimedRecord("x", t0), t0.Add(45 * time.Second), ClaimedActive},
		{"past timeout", claimedRecord("x", t0), t0.Add(46 * time.Second), ClaimedStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.State(tt.rec, tt.now); got != tt.want {
				t.Fatalf("State = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOwnership_Redeem(t *testing.T) {
	o := Ownership{InactivityTimeout: 45 * time.Second}
	tests := []struct {
		name      string
		rec       *model.LinkRecord
		client    string
		now       time.Time
		wantErr   error
		wantOwner string
		wantEvent model.EventType
	}{
		{"claim unclaimed", claimedRecord("", time.Time{}), "x", t0, nil, "x", model.EventClaimed},
		{"owner returns", claimedRecord("x", t0), "x", t0.Add(20 * time.Second), nil, "x", model.EventRedeemed},
		{"other while active", claimedRecord("x", t0), "y", t0.Add(10 * time.Second), ErrForbidden, "", ""},
		{"other after timeout", claimedRecord("x", t0), "y", t0.Add(50 * time.Second), nil, "y", model.EventReclaimed},
		{"owner after timeout", claimedRecord("x", t0), "x", t0.Add(50 * time.Second), nil, "x", model.EventRedeemed},
		{"empty client", claimedRecord("", time.Time{}), "", t0, ErrForbidden, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := *tt.rec
			next, event, err := o.Redeem(tt.rec, tt.client, tt.now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.rec.OwnerClaim != before.OwnerClaim || tt.rec.LastSeen != before.LastSeen {
				t.Fatalf("input record mutated")
			}
			if tt.wantErr != nil {
				if next != nil {
					t.Fatalf("expected no next record on error")
				}
				return
			}
			if next.OwnerClaim != tt.wantOwner {
				t.Fatalf("owner = %q, want %q", next.OwnerClaim, tt.wantOwner)
			}
			if !next.LastSeen.Equal(tt.now) {
				t.Fatalf("lastSeen = %v, want %v", next.LastSeen, tt.now)
			}
			if event != tt.wantEvent {
				t.Fatalf("event = %q, want %q", event, tt.wantEvent)
			}
		})
	}
}

func TestOwnership_Heartbeat(t *testing.T) {
	o := Ownership{InactivityTimeout: 45 * time.Second}

	if _, _, err := o.Heartbeat(claimedRecord("x", t0), "y", t0.Add(time.Second)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner heartbeat: %v", err)
	}
	if _, _, err := o.Heartbeat(claimedRecord("", time.Time{}), "x", t0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("heartbeat on unclaimed: %v", err)
	}
	next, event, err := o.Heartbeat(claimedRecord("x", t0), "x", t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("owner heartbeat: %v", err)
	}
	if event != model.EventHeartbeat || !next.LastSeen.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("unexpected heartbeat result %q %v", event, next.LastSeen)
	}
}

func TestOwnership_Leave(t *testing.T) {
	o := Ownership{InactivityTimeout: 45 * time.Second}

	next, event, err := o.Leave(claimedRecord("x", t0), "x", t0)
	if err != nil || event != model.EventReleased || next.Claimed() {
		t.Fatalf("owner leave = %+v %q %v", next, event, err)
	}
	if _, _, err := o.Leave(claimedRecord("x", t0), "y", t0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner leave: %v", err)
	}
	next, _, err = o.Leave(claimedRecord("", time.Time{}), "y", t0)
	if err != nil || next != nil {
		t.Fatalf("leave on unclaimed should be a no-op, got %+v %v", next, err)
	}
}
