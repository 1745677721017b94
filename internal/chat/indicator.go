// ABOUTME: Connection indicator summarising health, queue depth and credential expiry
// ABOUTME: Labels are plain text; colouring is left to the caller

package chat

import (
	"fmt"

	"github.com/2389/coven-chat/internal/connection"
)

// Indicator is a display snapshot of the session.
type Indicator struct {
	Status            connection.Status  `json:"status"`
	Label             string             `json:"label"`
	Quality           connection.Quality `json:"connection_quality"`
	LatencyMs         int64              `json:"latency_ms"`
	QueueDepth        int                `json:"queue_depth"`
	QueueCapacity     int                `json:"queue_capacity"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	// CanReconnect is true whenever the socket is not open.
	CanReconnect bool `json:"can_reconnect"`
	CanSubmit    bool `json:"can_submit"`
	// ExpiresIn is whole seconds until the credential expires, 0 when none
	// is held.
	ExpiresIn int `json:"expires_in"`
}

// Indicator returns the current indicator.
func (s *Session) Indicator() Indicator {
	h := s.conn.Health()

	return Indicator{
		Status:            h.Status,
		Label:             Label(h),
		Quality:           h.Quality,
		LatencyMs:         h.LatencyMs,
		QueueDepth:        s.conn.QueueLength(),
		QueueCapacity:     s.conn.QueueCapacity(),
		ReconnectAttempts: h.ReconnectAttempts,
		CanReconnect:      h.Status != connection.StatusOpen,
		CanSubmit:         s.CanSubmit(),
		ExpiresIn:         s.creds.ExpiryCountdown(),
	}
}

// Label renders a short human readable status.
func Label(h connection.Health) string {
	switch h.Status {
	case connection.StatusOpen:
		return "Connected"
	case connection.StatusConnecting:
		if h.ReconnectAttempts > 0 {
			return fmt.Sprintf("Reconnecting (attempt %d)", h.ReconnectAttempts)
		}
		return "Connecting"
	case connection.StatusClosed:
		return "Disconnected"
	case connection.StatusError:
		return "Connection error"
	default:
		return "Offline"
	}
}

func (s *Session) emitIndicator() {
	if s.onIndicator == nil {
		return
	}
	s.onIndicator(s.Indicator())
}
