package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound signals that the key is absent or has expired.
	ErrKeyNotFound = errors.New("key not found")
)

// TokenStore is the TTL key-value contract the broker relies on.
// A ttl of zero stores the value without expiry.
type TokenStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// CreateStore is implemented by stores that can create a key only when it does not exist.
type CreateStore interface {
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// TakeStore is implemented by stores that can read and delete a key in one step.
type TakeStore interface {
	GetAndDelete(ctx context.Context, key string) ([]byte, error)
}

// SwapStore is implemented by stores that can replace a value only when it still equals old.
// The swap fails when the key is absent.
type SwapStore interface {
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
}
