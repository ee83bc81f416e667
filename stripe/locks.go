package stripe

import (
	"sync"
)

// LockManager manages per-key locks so that concurrent webhook deliveries for
// the same event or customer serialize, while deliveries for distinct keys
// keep processing in parallel.
type LockManager struct {
	locks sync.Map // map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// Lock acquires the lock for the given key and returns the function that
// releases it.
func (lm *LockManager) Lock(key string) func() {
	lockInterface, _ := lm.locks.LoadOrStore(key, &sync.Mutex{})
	lock, ok := lockInterface.(*sync.Mutex)
	if !ok {
		// only *sync.Mutex values are ever stored
		panic("unexpected type in lock manager")
	}
	lock.Lock()
	return lock.Unlock
}

// Cleanup removes locks that are not currently held. Can be called
// periodically to keep the map from growing with inactive keys.
func (lm *LockManager) Cleanup() {
	lm.locks.Range(func(key, value any) bool {
		lock, ok := value.(*sync.Mutex)
		if !ok {
			return true
		}
		if lock.TryLock() {
			lock.Unlock()
			lm.locks.Delete(key)
		}
		return true
	})
}
