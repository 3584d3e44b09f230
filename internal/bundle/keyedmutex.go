package bundle

import "sync"

// keyedMutex serializes work per content unit. Entries are reference
// counted and removed once the last holder releases, so the map does not
// grow with the number of units ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*unitLock
}

type unitLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*unitLock)}
}

// lock blocks until the key is held and returns the release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &unitLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
