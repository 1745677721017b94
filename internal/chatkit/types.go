// ABOUTME: Wire types shared by the session, connection and transcript layers
// ABOUTME: Credential, Thread, Message and the tagged frames sent over the gateway socket

package chatkit

import (
	"encoding/json"
	"slices"
	"time"
)

// Credential is a short-lived chat token scoped to one placement and thread.
// It is never mutated after issue; renewal produces a new Credential.
type Credential struct {
	Token        string    `json:"token"`
	Placement    string    `json:"placement"`
	ThreadID     string    `json:"thread_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	AllowedTools []string  `json:"allowed_tools"`
}

// Expired reports whether the credential is no longer valid at now.
func (c *Credential) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.ExpiresAt)
}

// HasTool reports whether the credential grants the named tool.
func (c *Credential) HasTool(name string) bool {
	return c != nil && slices.Contains(c.AllowedTools, name)
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks delivery of a locally originated message.
// Messages received from the gateway carry an empty status.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// Message is one transcript entry. ID is assigned by the gateway; ClientID is
// the local idempotency key and stays fixed for every attempt of one send.
type Message struct {
	ID        string        `json:"id,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	ThreadID  string        `json:"thread_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Confirmed reports whether the gateway has assigned an ID.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// Thread is a persisted conversation container.
type Thread struct {
	ID        string         `json:"id"`
	Placement string         `json:"placement"`
	Title     string         `json:"title,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Context   map[string]any `json:"context,omitempty"`
}

// FrameType tags a frame on the gateway socket.
type FrameType string

const (
	FrameChatMessage   FrameType = "chat.message"
	FrameThreadUpdated FrameType = "thread.updated"
	FrameChatSend      FrameType = "chat.send"
)

// Frame is the envelope for everything sent over the gateway socket.
// Exactly one of Message or Thread is set, matching Type.
type Frame struct {
	Type    FrameType `json:"type"`
	Message *Message  `json:"message,omitempty"`
	Thread  *Thread   `json:"thread,omitempty"`
}

// Key returns an identity for replay suppression, or "" when the frame has
// no stable identity.
func (f *Frame) Key() string {
	switch {
	case f.Type == FrameChatMessage && f.Message != nil && f.Message.ID != "":
		return "msg:" + f.Message.ID
	case f.Type == FrameThreadUpdated && f.Thread != nil && f.Thread.ID != "":
		return "thread:" + f.Thread.ID + "@" + f.Thread.UpdatedAt.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// EncodeFrame marshals a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a wire frame. Unknown types are returned as-is so the
// caller can decide whether to ignore them.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
