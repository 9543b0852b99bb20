// Package keyedlock serializes work per key while letting distinct keys proceed in parallel.
package keyedlock

import "sync"

type entry struct {
	mu      sync.Mutex
	holders int
}

// Locker hands out one mutex per key and forgets keys nobody holds or waits on.
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New returns an empty Locker.
func New[K comparable]() *Locker[K] {
	return &Locker[K]{entries: make(map[K]*entry)}
}

// Lock blocks until the key is free and returns the function that releases it.
func (l *Locker[K]) Lock(key K) func() {
	l.mu.Lock()
	current, ok := l.entries[key]
	if !ok {
		current = &entry{}
		l.entries[key] = current
	}
	current.holders++
	l.mu.Unlock()

	current.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			current.mu.Unlock()
			l.mu.Lock()
			current.holders--
			if current.holders == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
