package vam

import "sync"

// allocatorLock is a RWMutex that does nothing when the allocator is externally synchronized
type allocatorLock struct {
	mutex   sync.RWMutex
	enabled bool
}

func (l *allocatorLock) Lock() {
	if l.enabled {
		l.mutex.Lock()
	}
}

func (l *allocatorLock) Unlock() {
	if l.enabled {
		l.mutex.Unlock()
	}
}

func (l *allocatorLock) RLock() {
	if l.enabled {
		l.mutex.RLock()
	}
}

func (l *allocatorLock) RUnlock() {
	if l.enabled {
		l.mutex.RUnlock()
	}
}
