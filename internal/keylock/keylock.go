// Package keylock provides per-key critical sections.
//
// Two independent disciplines use it: one writer per sender account (nonce
// assignment is account-scoped) and one registration in flight per decision
// fingerprint (the idempotency check and the ledger append form one logical
// check-and-reserve).
package keylock

import (
	"context"
	"sync"
)

// Map hands out a lock per key. Entries are reference-counted and dropped
// once no goroutine holds or waits on them, so the map does not grow with the
// number of distinct keys ever seen.
//
// The zero value is ready to use. Thread-safety: safe for concurrent use.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Lock blocks until the caller holds key or ctx ends, whichever comes first.
// On success it returns the release function, which must be called once;
// extra calls are no-ops. When ctx ends first Lock returns ctx.Err() and the
// key is left untouched.
func (m *Map[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.drop(key, e)
		})
	}, nil
}

func (m *Map[K]) drop(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
