package utils

import (
	"sync"
)

// OptionalRWMutex guards a pool's free list. When the pool's owner has declared that only a
// single goroutine will ever touch the pool, the mutex is switched off and every method
// becomes a no-op.
type OptionalRWMutex struct {
	mutex    sync.RWMutex
	useMutex bool
}

// Init must be called before the lock is used, and must not be called while it is held
func (m *OptionalRWMutex) Init(useMutex bool) {
	m.useMutex = useMutex
}

// Synchronized reports whether the lock actually excludes anything
func (m *OptionalRWMutex) Synchronized() bool {
	return m.useMutex
}

func (m *OptionalRWMutex) Lock() {
	if m.useMutex {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.useMutex {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.useMutex {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.useMutex {
		m.mutex.RUnlock()
	}
}
