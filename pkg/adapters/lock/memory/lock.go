package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
)

const retryInterval = 5 * time.Millisecond

// Locker implements ports.Locker inside one process
type Locker struct {
	mu     sync.Mutex
	leases map[string]entry
	seq    uint64
}

type entry struct {
	seq     uint64
	expires time.Time
}

var _ ports.Locker = (*Locker)(nil)

// NewLocker creates a new in-memory locker
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]entry)}
}

// WaitToAcquire polls for the lease until wait elapses
func (l *Locker) WaitToAcquire(ctx context.Context, name string, wait, ttl time.Duration) (ports.AcquiredLock, error) {
	deadline := time.Now().Add(wait)
	for {
		if seq, ok := l.tryAcquire(name, ttl); ok {
			return &lease{locker: l, name: name, seq: seq}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLockNotAcquired, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (l *Locker) tryAcquire(name string, ttl time.Duration) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if held, ok := l.leases[name]; ok && now.Before(held.expires) {
		return 0, false
	}
	l.seq++
	l.leases[name] = entry{seq: l.seq, expires: now.Add(ttl)}
	return l.seq, true
}

type lease struct {
	locker *Locker
	name   string
	seq    uint64
}

// Release drops the lease unless it already expired and was re-acquired
func (a *lease) Release(context.Context) error {
	a.locker.mu.Lock()
	defer a.locker.mu.Unlock()

	if held, ok := a.locker.leases[a.name]; ok && held.seq == a.seq {
		delete(a.locker.leases, a.name)
	}
	return nil
}
