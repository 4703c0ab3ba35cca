// ABOUTME: Bounded TTL memory of retired command ids and how each one ended.
// ABOUTME: Lets the gateway tell a late response from one for an id it never saw.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Default sizing for the gateway's tracker.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10_000
)

// retiredEntry stores how and when an id was retired.
type retiredEntry struct {
	outcome   string
	timestamp time.Time
	element   *list.Element
}

// Retired remembers correlation ids after their pending record is gone.
// Entries expire after the TTL and the oldest is evicted at capacity.
type Retired struct {
	mu      sync.RWMutex
	seen    map[string]*retiredEntry
	order   *list.List // keys in retirement order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a tracker with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Retired {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	r := &Retired{
		seen:    make(map[string]*retiredEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Retire records that id finished with outcome. Retiring an id again
// replaces the outcome and refreshes its age.
func (r *Retired) Retire(id, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if entry, exists := r.seen[id]; exists {
		entry.outcome = outcome
		entry.timestamp = now
		r.order.MoveToBack(entry.element)
		return
	}

	if len(r.seen) >= r.maxSize {
		r.evictOldest()
	}

	elem := r.order.PushBack(id)
	r.seen[id] = &retiredEntry{
		outcome:   outcome,
		timestamp: now,
		element:   elem,
	}
}

// Lookup returns the outcome id was retired with, if it is still remembered.
func (r *Retired) Lookup(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.seen[id]
	if !ok || r.now().Sub(entry.timestamp) >= r.ttl {
		return "", false
	}
	return entry.outcome, true
}

// Forget drops id, used when the id goes live again.
func (r *Retired) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.seen[id]; ok {
		r.order.Remove(entry.element)
		delete(r.seen, id)
	}
}

// Len returns the number of remembered ids, expired or not.
func (r *Retired) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seen)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (r *Retired) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.seen, id)
}

func (r *Retired) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.done:
			return
		}
	}
}

// runCleanup removes expired entries. Entries are in retirement order, so it
// stops at the first live one.
func (r *Retired) runCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for e := r.order.Front(); e != nil; {
		id, _ := e.Value.(string)
		entry := r.seen[id]
		if now.Sub(entry.timestamp) < r.ttl {
			return
		}
		next := e.Next()
		r.order.Remove(e)
		delete(r.seen, id)
		e = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (r *Retired) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
