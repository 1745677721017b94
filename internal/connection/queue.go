// ABOUTME: Bounded FIFO of outbound messages accepted while the socket is not open
// ABOUTME: Rejects at capacity instead of evicting so nothing is dropped silently

package connection

import (
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
)

// DefaultQueueCapacity is the outbound queue bound.
const DefaultQueueCapacity = 10

// Outbound is a message waiting to go out over the socket.
type Outbound struct {
	ClientID string
	ThreadID string
	Role     chatkit.Role
	Content  string
	QueuedAt time.Time
}

func (o Outbound) frame() *chatkit.Frame {
	role := o.Role
	if role == "" {
		role = chatkit.RoleUser
	}
	return &chatkit.Frame{
		Type: chatkit.FrameChatSend,
		Message: &chatkit.Message{
			ClientID: o.ClientID,
			ThreadID: o.ThreadID,
			Role:     role,
			Content:  o.Content,
		},
	}
}

// queue is not safe for concurrent use; the Manager guards it.
type queue struct {
	items    []Outbound
	capacity int
}

func newQueue(capacity int) *queue {
	return &queue{capacity: capacity}
}

func (q *queue) push(o Outbound) bool {
	if q.full() {
		return false
	}
	q.items = append(q.items, o)
	return true
}

func (q *queue) peek() (Outbound, bool) {
	if len(q.items) == 0 {
		return Outbound{}, false
	}
	return q.items[0], true
}

// popIf removes the head if it is the message identified by clientID.
func (q *queue) popIf(clientID string) bool {
	if len(q.items) == 0 || q.items[0].ClientID != clientID {
		return false
	}
	q.items[0] = Outbound{}
	q.items = q.items[1:]
	return true
}

func (q *queue) reset() {
	clear(q.items)
	q.items = q.items[:0]
}

func (q *queue) len() int   { return len(q.items) }
func (q *queue) full() bool { return len(q.items) >= q.capacity }
