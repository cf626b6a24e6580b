package ports

import (
	"context"
	"time"
)

// AcquiredLock is a held lease. Release must be called when the guarded
// section ends; the lease also expires on its own after its TTL.
type AcquiredLock interface {
	Release(ctx context.Context) error
}

// Locker is a named, TTL-bounded mutual exclusion service.
type Locker interface {
	// WaitToAcquire blocks up to wait for the named lock and holds it for at
	// most ttl. It returns domain.ErrLockNotAcquired on timeout.
	WaitToAcquire(ctx context.Context, name string, wait, ttl time.Duration) (AcquiredLock, error)
}
