// Package locks defines the distributed-lock port and its Redis
// implementation. Locks are short TTL leases acquired with zero wait:
// a miss means another instance is already doing the work and the caller
// should skip, not block.
package locks

import (
	"context"
	"time"
)

// Locker is a try-lock over a shared store.
type Locker interface {
	// TryLock attempts to acquire key for ttl without waiting. It returns
	// false when the lock is held elsewhere; that is not an error.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases key if this instance still holds it. Releasing a
	// lock that expired or moved to another holder is a silent no-op.
	Unlock(ctx context.Context, key string) error
}
