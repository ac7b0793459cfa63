// Package lease
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient connectivity failures against the lease
// store. Callers retry these; ownership failures are reported as plain
// false results and are never retried.
var ErrUnavailable = errors.New("lease store unavailable")

// Store is the coordination-only key-value store. All mutations are
// atomic; ownership is expressed as the stored value (instance id).
type Store interface {
	// SetIfAbsent creates key=value with the given TTL only if the key does
	// not exist. Returns true when this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// ExtendIfOwner resets the TTL only while the stored value still equals
	// owner. Returns false when ownership was lost or the key expired.
	ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// DeleteIfOwner removes the key only while the stored value still
	// equals owner.
	DeleteIfOwner(ctx context.Context, key, owner string) (bool, error)

	// Get returns the stored value, or ok=false if the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// ScanPrefix lists keys under the prefix with their values.
	ScanPrefix(ctx context.Context, prefix string) (map[string]string, error)
}
