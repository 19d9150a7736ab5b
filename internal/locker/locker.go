// Package locker serializes operations that read and then write chain state
// for the same key, typically an address about to fund a transaction.
package locker

import (
	"context"
	"sync"
)

// Locker is a set of per-key mutexes whose waits can be canceled. Locks are
// not re-entrant and carry no fairness guarantee.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // buffered(1); holds a token while the key is locked
	refs int           // holders plus waiters
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

// Lease is a held lock. Unlock is idempotent.
type Lease struct {
	l    *Locker
	key  string
	once sync.Once
}

// Key returns the locked key.
func (le *Lease) Key() string { return le.key }

// Unlock releases the lease. Calling it again is a no-op.
func (le *Lease) Unlock() {
	le.once.Do(func() { le.l.release(le.key) })
}

// Lock blocks until key is free or ctx is done. On cancellation no lock is
// held and ctx.Err() is returned.
func (l *Locker) Lock(ctx context.Context, key string) (*Lease, error) {
	s := l.acquireSlot(key)

	select {
	case s.ch <- struct{}{}:
		return &Lease{l: l, key: key}, nil
	case <-ctx.Done():
		l.dropRef(key, s)
		return nil, ctx.Err()
	}
}

// TryLock takes the lock only if it is free.
func (l *Locker) TryLock(key string) (*Lease, bool) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return &Lease{l: l, key: key}, true
	default:
		l.dropRef(key, s)
		return nil, false
	}
}

// Unlock releases key if it is held. It never panics and does nothing for a
// key that is not locked. Prefer Lease.Unlock, which cannot release a lock
// taken by someone else.
func (l *Locker) Unlock(key string) {
	l.release(key)
}

// WithLock runs fn while holding key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer lease.Unlock()
	return fn(ctx)
}

// Held reports whether key is currently locked.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	return ok && len(s.ch) == 1
}

func (l *Locker) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) dropRef(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	select {
	case <-s.ch:
	default:
		l.mu.Unlock()
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
