// ABOUTME: Bounded replay window for suppressing repeated inbound frames
// ABOUTME: Ring-ordered keys with lazy TTL expiry; no background goroutine

package dedupe

import (
	"sync"
	"time"
)

// Window remembers recently seen keys. A key is forgotten once it is older
// than the TTL or pushed out by newer keys when the window is full.
type Window struct {
	mu    sync.Mutex
	ttl   time.Duration
	size  int
	seen  map[string]time.Time
	order []string // ring of keys, oldest at head
	head  int
	now   func() time.Time
}

// NewWindow creates a window holding at most size keys for ttl each.
func NewWindow(ttl time.Duration, size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		ttl:   ttl,
		size:  size,
		seen:  make(map[string]time.Time, size),
		order: make([]string, 0, size),
		now:   time.Now,
	}
}

// Seen reports whether key was already observed inside the window, and
// records it if not. Check and record happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if at, ok := w.seen[key]; ok && now.Sub(at) < w.ttl {
		return true
	}

	w.insertLocked(key, now)
	return false
}

// contains reports whether key is inside the window without recording it.
func (w *Window) contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	at, ok := w.seen[key]
	return ok && w.now().Sub(at) < w.ttl
}

// insertLocked records key, overwriting the oldest slot when full.
// An expired key being re-seen keeps its old ring slot; the map entry is
// simply refreshed.
func (w *Window) insertLocked(key string, now time.Time) {
	if _, exists := w.seen[key]; exists {
		w.seen[key] = now
		return
	}

	if len(w.order) < w.size {
		w.order = append(w.order, key)
	} else {
		evicted := w.order[w.head]
		delete(w.seen, evicted)
		w.order[w.head] = key
		w.head = (w.head + 1) % w.size
	}
	w.seen[key] = now
}

// count returns the number of keys currently held, including expired ones
// that have not been overwritten yet.
func (w *Window) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Reset forgets every key.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.seen)
	w.order = w.order[:0]
	w.head = 0
}
