// Package kv provides the durable key-value store used by the
// idempotency ledger, bootstrap owner claims, and budget counters.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports an absent key.
var ErrNotFound = errors.New("kv: not found")

// Store is a generic get/put-with-TTL/delete surface. Absence of the
// backing store is a service-unavailable condition for endpoints that
// need it, never a silent no-op.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
