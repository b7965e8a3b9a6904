// Package store provides the shared key/value service backing both the
// response cache and the rate-limit windows. Backends are eventually
// consistent and offer no transactions; callers must tolerate last-writer-wins
// semantics.
package store

import (
	"context"
	"time"
)

// Store is the pluggable key/value contract consumed by the pipeline. Get
// returns (nil, false, nil) for absent or expired keys. Put overwrites in
// place; a TTL of zero or less falls back to the backend default.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
