// ABOUTME: In-memory Cache implementation for tests and cache-less runs
// ABOUTME: Mirrors SQLiteStore ordering without touching disk

package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/2389/coven-chat/internal/chatkit"
)

// MemoryStore is an in-memory Cache.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]chatkit.Thread             // keyed by thread ID
	messages map[string]map[string]chatkit.Message // keyed by thread ID, then message ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]chatkit.Thread),
		messages: make(map[string]map[string]chatkit.Message),
	}
}

// SaveThreads upserts threads by ID.
func (m *MemoryStore) SaveThreads(ctx context.Context, threads []chatkit.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range threads {
		t.Context = maps.Clone(t.Context)
		m.threads[t.ID] = t
	}
	return nil
}

// Thread returns a copy of the thread or ErrNotFound.
func (m *MemoryStore) Thread(ctx context.Context, id string) (*chatkit.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Context = maps.Clone(t.Context)
	return &t, nil
}

// Threads lists a placement's threads, most recently updated first.
func (m *MemoryStore) Threads(ctx context.Context, placement string, limit int) ([]chatkit.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []chatkit.Thread
	for _, t := range m.threads {
		if t.Placement == placement {
			t.Context = maps.Clone(t.Context)
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b chatkit.Thread) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveMessages upserts confirmed messages by ID.
func (m *MemoryStore) SaveMessages(ctx context.Context, msgs []chatkit.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		c, ok := cacheable(msg)
		if !ok {
			continue
		}
		byID := m.messages[c.ThreadID]
		if byID == nil {
			byID = make(map[string]chatkit.Message)
			m.messages[c.ThreadID] = byID
		}
		byID[c.ID] = c
	}
	return nil
}

// Messages returns the most recent limit messages, oldest first.
func (m *MemoryStore) Messages(ctx context.Context, threadID string, limit int) ([]chatkit.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Collect(maps.Values(m.messages[threadID]))
	slices.SortFunc(out, func(a, b chatkit.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
