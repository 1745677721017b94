// ABOUTME: Cache interface and shared helpers for the local transcript cache
// ABOUTME: Defines ErrNotFound and the fixed-width timestamp layout

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
)

// ErrNotFound is returned when a requested record doesn't exist.
var ErrNotFound = errors.New("not found")

// timeLayout sorts lexically in the same order as the instants it encodes.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Cache persists threads and confirmed messages between runs.
type Cache interface {
	// SaveThreads upserts threads by ID.
	SaveThreads(ctx context.Context, threads []chatkit.Thread) error

	// Thread returns a single thread or ErrNotFound.
	Thread(ctx context.Context, id string) (*chatkit.Thread, error)

	// Threads lists threads for a placement, most recently updated first.
	// A limit of 0 or less returns all of them.
	Threads(ctx context.Context, placement string, limit int) ([]chatkit.Thread, error)

	// SaveMessages upserts confirmed messages by ID. Messages without an ID
	// are skipped.
	SaveMessages(ctx context.Context, msgs []chatkit.Message) error

	// Messages returns the most recent limit messages of a thread in
	// chronological order. A limit of 0 or less returns all of them.
	Messages(ctx context.Context, threadID string, limit int) ([]chatkit.Message, error)

	Close() error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// cacheable strips local delivery state; only gateway-confirmed data is kept.
func cacheable(m chatkit.Message) (chatkit.Message, bool) {
	if !m.Confirmed() {
		return m, false
	}
	m.Status = ""
	m.Error = ""
	return m, true
}
