// Package lock provides in-process mutual exclusion scoped to string keys.
package lock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed hands out one mutex per key and forgets keys nobody holds.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires every key in sorted order and returns the function that
// releases them. Duplicate keys are locked once.
func (k *Keyed) Lock(keys ...string) (unlock func()) {
	sorted := uniqueSorted(keys)

	held := make([]*entry, 0, len(sorted))
	for _, key := range sorted {
		e := k.acquire(key)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				k.release(sorted[i])
			}
		})
	}
}

// Len returns the number of keys currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
