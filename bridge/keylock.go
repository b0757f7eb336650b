package bridge

import (
	"sync"

	"pstnbridge/call"
)

// keyLock serializes work per call key while letting different keys run in
// parallel. Entries are dropped when nobody holds or waits for them.
type keyLock struct {
	mu    sync.Mutex
	locks map[call.Key]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[call.Key]*refMutex)}
}

// Lock acquires the key and returns its unlock func.
func (k *keyLock) Lock(key call.Key) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Unlock()
			k.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}
