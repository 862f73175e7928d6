package service

import (
	"sync"
)

// missTracker counts in-flight cache misses per key so concurrent misses for
// the same city can be observed. RecordMiss increments and returns the count;
// RecordDone decrements.
type missTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newMissTracker() *missTracker {
	return &missTracker{active: make(map[string]int)}
}

// RecordMiss records a miss for key and returns the concurrent miss count
// including this one. Callers defer RecordDone(key).
func (mt *missTracker) RecordMiss(key string) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.active[key]++
	return mt.active[key]
}

// RecordDone marks one miss for key as resolved.
func (mt *missTracker) RecordDone(key string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if n, ok := mt.active[key]; ok && n > 0 {
		mt.active[key]--
		if mt.active[key] == 0 {
			delete(mt.active, key)
		}
	}
}
