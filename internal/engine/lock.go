package engine

import "sync"

// LockManager manages per-application promotion locks so only one run can
// drive a given application at a time.
//
// Two-level locking: the outer mutex protects the locks map, and each
// application has its own mutex for the actual run lock. Runs targeting
// disjoint applications proceed concurrently.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock attempts to acquire the run lock for an application.
// Non-blocking: returns false if a run is already active for that
// application, in which case the new run must be rejected, not queued.
func (lm *LockManager) TryLock(application string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[application]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[application] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the run lock for an application. Safe to call for an
// application that was never locked (no-op).
func (lm *LockManager) Unlock(application string) {
	lm.mu.Lock()
	lock := lm.locks[application]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
