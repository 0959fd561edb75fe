package core

import "sync"

// LockTable is the per-task overlap guard: at most one holder per task ID.
// Instances are independent so several engines can coexist in one process.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for taskID without waiting. The returned release
// func is idempotent.
func (l *LockTable) TryAcquire(taskID string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[taskID]; busy {
		return nil, false
	}
	l.held[taskID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, taskID)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether taskID currently has an occurrence in flight.
func (l *LockTable) Held(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[taskID]
	return ok
}
