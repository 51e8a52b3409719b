package deploy

import "sync"

// keyedMutex serializes work per team. EnsureRunning, Stop, and the
// reconciler's per-team check all take the team's lock, so the window
// between "inspect said absent" and "create finished" can never run twice
// for one team. Entries are never evicted; the team population is small
// and long-lived.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
