// ABOUTME: Pure merge of history, live events and pending sends into one transcript
// ABOUTME: Deduplicates by server id and client id, sorts by creation time, appends pending

package transcript

import (
	"slices"
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
)

// Pending is a locally originated message the gateway has not confirmed.
type Pending struct {
	ClientID  string
	ThreadID  string
	Content   string
	CreatedAt time.Time
	Status    chatkit.MessageStatus
	Err       string
}

// Message renders the pending entry as a transcript row.
func (p Pending) Message() chatkit.Message {
	return chatkit.Message{
		ClientID:  p.ClientID,
		ThreadID:  p.ThreadID,
		Role:      chatkit.RoleUser,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		Status:    p.Status,
		Error:     p.Err,
	}
}

// Merge builds the ordered transcript.
//
// Confirmed messages are keyed by server id; history is applied before live
// so an id present in both keeps the history copy. A client id already
// carried by a confirmed message suppresses any later confirmed message with
// the same client id and any pending entry for it. Confirmed messages are
// sorted by CreatedAt with id as the tiebreak; unresolved pending entries
// follow in the order given.
//
// Merge is idempotent: feeding its output back in as history, with the same
// pending list, yields the same transcript.
func Merge(history, live []chatkit.Message, pending []Pending) []chatkit.Message {
	out := make([]chatkit.Message, 0, len(history)+len(live)+len(pending))
	ids := make(map[string]struct{}, len(history)+len(live))
	clients := make(map[string]struct{})

	add := func(m chatkit.Message) {
		if !m.Confirmed() {
			// Unconfirmed rows in history or live are pending echoes; the
			// pending list owns them.
			return
		}
		if _, dup := ids[m.ID]; dup {
			return
		}
		if m.ClientID != "" {
			if _, dup := clients[m.ClientID]; dup {
				return
			}
			clients[m.ClientID] = struct{}{}
		}
		ids[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range history {
		add(m)
	}
	for _, m := range live {
		add(m)
	}

	slices.SortStableFunc(out, func(a, b chatkit.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	for _, p := range pending {
		if _, resolved := clients[p.ClientID]; resolved {
			continue
		}
		clients[p.ClientID] = struct{}{}
		out = append(out, p.Message())
	}
	return out
}
