package enrich

import (
	"fmt"
	"sync"
)

// windowLocks serializes OHLC updates per (product, window) pair. The lock
// is held for the duration of the read-modify-write against the cache only,
// never for a whole task.
type windowLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWindowLocks() *windowLocks {
	return &windowLocks{locks: make(map[string]*sync.Mutex)}
}

func (w *windowLocks) get(product string, window int) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", product, window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	w.locks[key] = l
	return l
}
