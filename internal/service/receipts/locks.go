package receipts

import "sync"

// planLocks serializes receipt processing per plan so the total-budget check
// reads a spend total no concurrent submission is mid-way through updating.
// Entries are refcounted and removed once the last holder releases.
type planLocks struct {
	mu    sync.Mutex
	locks map[string]*planLock
}

type planLock struct {
	mu   sync.Mutex
	refs int
}

func newPlanLocks() *planLocks {
	return &planLocks{locks: make(map[string]*planLock)}
}

// Acquire blocks until the lock for planID is held and returns the release
// function. The caller must invoke release exactly once.
func (l *planLocks) Acquire(planID string) (release func()) {
	l.mu.Lock()
	entry, ok := l.locks[planID]
	if !ok {
		entry = &planLock{}
		l.locks[planID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, planID)
		}
		l.mu.Unlock()
	}
}
