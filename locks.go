package vecshard

import (
	"slices"
	"sync"
)

// nameLocks serializes structural operations per collection or alias name.
// Entries live only while someone holds or waits for them.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sync.Mutex
	refs int
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: make(map[string]*nameLock)}
}

// lock acquires every name in sorted order, so callers locking overlapping
// sets cannot deadlock. The returned func releases them.
func (l *nameLocks) lock(names ...string) (unlock func()) {
	names = slices.Compact(slices.Sorted(slices.Values(names)))

	held := make([]*nameLock, len(names))
	l.mu.Lock()
	for i, name := range names {
		nl, ok := l.locks[name]
		if !ok {
			nl = &nameLock{}
			l.locks[name] = nl
		}
		nl.refs++
		held[i] = nl
	}
	l.mu.Unlock()

	for _, nl := range held {
		nl.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		l.mu.Lock()
		for i, name := range names {
			if held[i].refs--; held[i].refs == 0 {
				delete(l.locks, name)
			}
		}
		l.mu.Unlock()
	}
}
