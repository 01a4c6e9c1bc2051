package sessions

import (
	"context"
	"sync"
)

// Locker serializes work per session id. Locks for idle sessions are
// released from the table once no one holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until the session lock is held or ctx is done. The returned
// function releases the lock.
func (l *Locker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[sessionID]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(sessionID, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.unref(sessionID, kl)
		})
	}, nil
}

func (l *Locker) unref(sessionID string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, sessionID)
	}
}

// Len returns the number of sessions with a held or awaited lock.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
