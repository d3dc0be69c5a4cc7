package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidResource signals a resource reference outside the allow-list.
	ErrInvalidResource = errors.New("invalid resource")
	// ErrInvalidMode signals an unknown link mode.
	ErrInvalidMode = errors.New("invalid link mode")
	// ErrNotFound signals a token that cannot have been minted by the broker.
	ErrNotFound = errors.New("link not found")
	// ErrExpired signals a token whose record is gone: consumed, revoked or lapsed.
	ErrExpired = errors.New("link expired")
	// ErrForbidden signals that another client holds the link.
	ErrForbidden = errors.New("link held by another client")
	// ErrConflict signals that the record kept changing underneath a transition.
	ErrConflict = errors.New("link changed concurrently")
	// ErrStore matches every *StoreError.
	ErrStore = errors.New("token store unavailable")
)

// StoreError wraps a failed token store round-trip.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("token store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStore) hold for any StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
