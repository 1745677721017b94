// ABOUTME: In-memory fan-out of connection events to subscribers
// ABOUTME: Status, health, inbound messages, thread updates and recorded errors

package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chatkit"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 256

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventHealth carries a Health snapshot after a status or latency change.
	EventHealth EventKind = iota
	// EventMessage carries an inbound chat message.
	EventMessage
	// EventThread carries a thread update.
	EventThread
	// EventError carries a newly recorded ErrorState.
	EventError
	// EventQueue carries the queue length after it changed.
	EventQueue
)

// Event is published to every subscriber.
type Event struct {
	Kind       EventKind
	Health     Health
	Message    *chatkit.Message
	Thread     *chatkit.Thread
	Error      *ErrorState
	QueueDepth int
}

// broadcaster fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
	onDrop      func()
}

func newBroadcaster(logger *slog.Logger, onDrop func()) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger,
		onDrop:      onDrop,
	}
}

// subscribe registers a subscriber that is removed when ctx is cancelled.
// After close it returns an already-closed channel.
func (b *broadcaster) subscribe(ctx context.Context) <-chan Event {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()

	return ch
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	// Holding the read lock across the sends keeps close from racing them;
	// every send is non-blocking.
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropped event for slow subscriber", "sub_id", id, "kind", ev.Kind)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// close closes every subscriber channel; later publishes are ignored.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
