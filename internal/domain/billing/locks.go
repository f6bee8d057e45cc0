package billing

import (
	"sync"
)

// documentLocks hands out one mutex per document key. Entries are dropped when the last
// holder or waiter releases them.
type documentLocks struct {
	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{locks: make(map[string]*docLock)}
}

// lock blocks until key is free and returns the matching unlock.
func (l *documentLocks) lock(key string) func() {
	l.mu.Lock()
	dl, ok := l.locks[key]
	if !ok {
		dl = &docLock{}
		l.locks[key] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *documentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
