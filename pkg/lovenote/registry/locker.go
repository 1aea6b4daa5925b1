package registry

import (
	"context"
	"sync"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// keyedLocker hands out one mutex per identity. Entries are reference
// counted and dropped once nobody holds or waits on them, so the map does
// not grow with every identity ever seen.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[channels.Identity]*identityLock
}

type identityLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[channels.Identity]*identityLock)}
}

// lock blocks until the identity lock is held or ctx is done. The returned
// function releases it and must be called exactly once.
func (k *keyedLocker) lock(ctx context.Context, id channels.Identity) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &identityLock{sem: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.put(id, l)
		}, nil
	case <-ctx.Done():
		k.put(id, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocker) put(id channels.Identity, l *identityLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// size is the number of live entries, for tests.
func (k *keyedLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
