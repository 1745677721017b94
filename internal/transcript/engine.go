// ABOUTME: Transcript engine tracking history, live events and pending sends per thread
// ABOUTME: Optimistic submit with stable client ids, retry in place, stale history discarded

package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chatkit"
)

// DefaultHistoryLimit is the page size used by LoadHistory.
const DefaultHistoryLimit = 50

var (
	// ErrUnknownMessage is returned by Retry for a client id with no pending entry.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRetryable is returned by Retry for an entry that has not failed.
	ErrNotRetryable = errors.New("message is not in a failed state")
	// ErrRejected is wrapped by a Deliverer that refused to accept a message
	// at all (for example a full outbound queue). The optimistic entry is
	// withdrawn instead of marked failed.
	ErrRejected = errors.New("message rejected")
	// ErrEmptyMessage is returned by Submit for blank content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoThread is returned when no thread is selected.
	ErrNoThread = errors.New("no thread selected")
)

// Receipt is the outcome of one delivery.
type Receipt struct {
	// Message is the confirmed server copy when delivery was synchronous.
	Message *chatkit.Message
	// Queued means the message will be confirmed later by a live event,
	// matched by client id or, when the event carries none, by content.
	Queued bool
}

// Deliverer hands a message to the gateway. The same clientID is used for
// every attempt of one message.
type Deliverer interface {
	Deliver(ctx context.Context, threadID, clientID, content string) (Receipt, error)
}

// HistoryFetcher loads the most recent messages of a thread.
// *chatkit.Client satisfies it.
type HistoryFetcher interface {
	History(ctx context.Context, threadID string, limit int) ([]chatkit.Message, error)
}

// Config configures an Engine.
type Config struct {
	Deliverer    Deliverer
	History      HistoryFetcher
	HistoryLimit int
	// OnChange receives the merged transcript after every change. Calls are
	// serialised and a snapshot older than one already delivered is
	// skipped. It must not call back into Engine methods that change state.
	OnChange func([]chatkit.Message)
	Logger   *slog.Logger
}

// Engine owns the transcript of the selected thread.
type Engine struct {
	deliverer    Deliverer
	history      HistoryFetcher
	historyLimit int
	onChange     func([]chatkit.Message)
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string

	mu       sync.Mutex
	threadID string
	// gen changes on every thread switch; results tagged with an older gen
	// belong to a thread that is no longer shown.
	gen     uint64
	loaded  []chatkit.Message
	live    []chatkit.Message
	pending []Pending
	// seq numbers snapshots so notify can drop ones overtaken in flight.
	seq uint64

	notifyMu sync.Mutex
	notified uint64
}

// NewEngine creates an engine with no thread selected.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Engine{
		deliverer:    cfg.Deliverer,
		history:      cfg.History,
		historyLimit: limit,
		onChange:     cfg.OnChange,
		logger:       logger.With("component", "transcript"),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// ThreadID returns the selected thread.
func (e *Engine) ThreadID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threadID
}

// SwitchThread selects a thread and drops all state of the previous one.
// Switching to the current thread is a no-op.
func (e *Engine) SwitchThread(threadID string) {
	e.mu.Lock()
	if threadID == e.threadID {
		e.mu.Unlock()
		return
	}
	e.threadID = threadID
	e.gen++
	e.loaded = nil
	e.live = nil
	e.pending = nil
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Debug("switched thread", "thread_id", threadID)
	e.notify(seq, snap)
}

// LoadHistory fetches history for the selected thread. A result that
// arrives after the thread changed is discarded.
func (e *Engine) LoadHistory(ctx context.Context) error {
	e.mu.Lock()
	threadID, gen := e.threadID, e.gen
	e.mu.Unlock()

	if threadID == "" {
		return ErrNoThread
	}
	if e.history == nil {
		return nil
	}

	msgs, err := e.history.History(ctx, threadID, e.historyLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		e.logger.Debug("discarding stale history", "thread_id", threadID)
		return nil
	}
	e.loaded = msgs
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(seq, snap)
	return nil
}

// SetHistory replaces history for threadID, for example from a local cache.
// It reports false when threadID is not the selected thread.
func (e *Engine) SetHistory(threadID string, msgs []chatkit.Message) bool {
	e.mu.Lock()
	if threadID != e.threadID {
		e.mu.Unlock()
		return false
	}
	e.loaded = msgs
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(seq, snap)
	return true
}

// Ingest applies a live message event. Events for another thread are
// ignored. A message carrying the client id of a pending entry resolves it.
// A user message without a client id resolves the oldest sending entry with
// the same content, since the socket echo of a queued send may not carry one.
func (e *Engine) Ingest(msg chatkit.Message) bool {
	e.mu.Lock()
	if msg.ThreadID != e.threadID || !msg.Confirmed() {
		e.mu.Unlock()
		return false
	}
	if msg.ClientID == "" && msg.Role == chatkit.RoleUser {
		if i := e.echoIndexLocked(msg.Content); i >= 0 {
			msg.ClientID = e.pending[i].ClientID
			e.logger.Debug("matched echo by content", "client_id", msg.ClientID, "id", msg.ID)
		}
	}
	e.addLiveLocked(msg)
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(seq, snap)
	return true
}

// Submit adds content as a pending message and delivers it. The returned
// client id identifies the message for Retry. A delivery failure is recorded
// on the pending entry and also returned; an ErrRejected failure withdraws
// the entry instead.
func (e *Engine) Submit(ctx context.Context, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}

	e.mu.Lock()
	if e.threadID == "" {
		e.mu.Unlock()
		return "", ErrNoThread
	}
	p := Pending{
		ClientID:  e.newID(),
		ThreadID:  e.threadID,
		Content:   content,
		CreatedAt: e.now(),
		Status:    chatkit.StatusSending,
	}
	e.pending = append(e.pending, p)
	gen := e.gen
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(seq, snap)

	return p.ClientID, e.deliver(ctx, gen, p, true)
}

// Retry re-delivers a failed message with its original client id and
// content. The entry returns to sending in place.
func (e *Engine) Retry(ctx context.Context, clientID string) error {
	e.mu.Lock()
	i := e.pendingIndexLocked(clientID)
	if i < 0 {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	if e.pending[i].Status != chatkit.StatusError {
		e.mu.Unlock()
		return ErrNotRetryable
	}
	e.pending[i].Status = chatkit.StatusSending
	e.pending[i].Err = ""
	p := e.pending[i]
	gen := e.gen
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(seq, snap)

	return e.deliver(ctx, gen, p, false)
}

func (e *Engine) deliver(ctx context.Context, gen uint64, p Pending, first bool) error {
	if e.deliverer == nil {
		return e.settle(gen, p, Receipt{}, errors.New("no deliverer configured"), first)
	}
	receipt, err := e.deliverer.Deliver(ctx, p.ThreadID, p.ClientID, p.Content)
	return e.settle(gen, p, receipt, err, first)
}

// settle applies a delivery outcome to the pending entry.
func (e *Engine) settle(gen uint64, p Pending, r Receipt, err error, first bool) error {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		e.logger.Debug("discarding delivery result for previous thread", "client_id", p.ClientID)
		return err
	}

	i := e.pendingIndexLocked(p.ClientID)
	switch {
	case errors.Is(err, ErrRejected) && first:
		if i >= 0 {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
		}
	case err != nil:
		if i >= 0 {
			e.pending[i].Status = chatkit.StatusError
			e.pending[i].Err = err.Error()
		}
		e.logger.Warn("message delivery failed", "client_id", p.ClientID, "error", err)
	case r.Message != nil:
		msg := *r.Message
		if msg.ClientID == "" {
			msg.ClientID = p.ClientID
		}
		if msg.ThreadID == "" {
			msg.ThreadID = p.ThreadID
		}
		msg.Status = chatkit.StatusSent
		e.addLiveLocked(msg)
	default:
		// Queued: stays sending until the echo arrives through Ingest.
	}
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(seq, snap)
	return err
}

// addLiveLocked records a confirmed message and resolves its pending entry.
func (e *Engine) addLiveLocked(msg chatkit.Message) {
	replaced := false
	for i := range e.live {
		if e.live[i].ID == msg.ID {
			e.live[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		e.live = append(e.live, msg)
	}
	if msg.ClientID != "" {
		if i := e.pendingIndexLocked(msg.ClientID); i >= 0 {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
		}
	}
}

// echoIndexLocked finds the oldest sending entry whose content matches.
// Entries already resolved by client id are gone from pending, so an echo
// never claims a message twice.
func (e *Engine) echoIndexLocked(content string) int {
	content = strings.TrimSpace(content)
	for i := range e.pending {
		if e.pending[i].Status == chatkit.StatusSending && e.pending[i].Content == content {
			return i
		}
	}
	return -1
}

func (e *Engine) pendingIndexLocked(clientID string) int {
	for i := range e.pending {
		if e.pending[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// Transcript returns the merged transcript of the selected thread.
func (e *Engine) Transcript() []chatkit.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcriptLocked()
}

// Pending returns a copy of the unresolved entries in submission order.
func (e *Engine) Pending() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Pending(nil), e.pending...)
}

func (e *Engine) transcriptLocked() []chatkit.Message {
	return Merge(e.loaded, e.live, e.pending)
}

// snapshotLocked merges the transcript and tags it with the next sequence.
func (e *Engine) snapshotLocked() ([]chatkit.Message, uint64) {
	e.seq++
	return e.transcriptLocked(), e.seq
}

// notify hands snap to OnChange unless a newer snapshot already went out.
func (e *Engine) notify(seq uint64, snap []chatkit.Message) {
	if e.onChange == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if seq <= e.notified {
		return
	}
	e.notified = seq
	e.onChange(snap)
}
