// internal/services/keylock.go
package services

import "sync"

// keyLock is a set of mutexes created on demand per key and dropped once
// nobody holds or waits for them.
type keyLock struct {
	mtx   sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mtx  sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyLockEntry)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyLock) Lock(key string) func() {
	k.mtx.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mtx.Unlock()

	e.mtx.Lock()
	return func() {
		e.mtx.Unlock()
		k.mtx.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mtx.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	return len(k.locks)
}
