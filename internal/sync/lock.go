package sync

import (
	"sync"
)

// KeyLock provides one mutex per string key. Queue workers lock the request
// ID so duplicate submissions of the same request never execute concurrently
// in one process; cross-process exclusivity comes from the claim protocol.
type KeyLock struct {
	locks sync.Map
}

// NewKeyLock creates a new KeyLock instance
func NewKeyLock() *KeyLock {
	return &KeyLock{}
}

// Lock acquires the mutex for key, creating it on first use.
func (l *KeyLock) Lock(key string) {
	val, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	val.(*sync.Mutex).Lock()
}

// Unlock releases the mutex for key.
// Entries are kept for reuse; the key space (request IDs, change-request
// refs) is bounded enough that reclaiming them is not worth the bookkeeping.
func (l *KeyLock) Unlock(key string) {
	val, ok := l.locks.Load(key)
	if !ok {
		return
	}
	val.(*sync.Mutex).Unlock()
}

// TryLock attempts to acquire the mutex for key without blocking.
func (l *KeyLock) TryLock(key string) bool {
	val, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	return val.(*sync.Mutex).TryLock()
}
