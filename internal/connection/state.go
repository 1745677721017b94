// ABOUTME: Connection status state machine, health and quality scoring
// ABOUTME: Guarded transition table keeps reconnect invariants testable in isolation

package connection

import "time"

// Status is the lifecycle state of the gateway connection.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// transitions lists the allowed moves. connecting→connecting is a new
// reconnect attempt; closed and error re-enter through a manual connect.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting, StatusClosed, StatusError},
	StatusConnecting: {StatusConnecting, StatusOpen, StatusClosed, StatusError},
	StatusOpen:       {StatusConnecting, StatusClosed, StatusError},
	StatusClosed:     {StatusConnecting, StatusClosed},
	StatusError:      {StatusConnecting, StatusClosed, StatusError},
}

// CanTransition reports whether from→to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Quality is an observational grade derived from heartbeat latency.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Latency thresholds for quality grading.
const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 300 * time.Millisecond
	poorBelow      = 1000 * time.Millisecond
)

// QualityFor grades a connection. Anything but an open connection is critical.
func QualityFor(status Status, latency time.Duration) Quality {
	if status != StatusOpen {
		return QualityCritical
	}
	switch {
	case latency < excellentBelow:
		return QualityExcellent
	case latency < goodBelow:
		return QualityGood
	case latency < poorBelow:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// Health is the observable connection health.
type Health struct {
	Status            Status  `json:"status"`
	LatencyMs         int64   `json:"latency_ms"`
	Quality           Quality `json:"connection_quality"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
}

// LoadingState tells the UI what the manager is busy with.
type LoadingState struct {
	Connecting   bool `json:"connecting"`
	Reconnecting bool `json:"reconnecting"`
	Flushing     bool `json:"flushing"`
}

// Metrics are cumulative counters for one Manager.
type Metrics struct {
	FramesSent      int64         `json:"frames_sent"`
	FramesReceived  int64         `json:"frames_received"`
	FramesDuplicate int64         `json:"frames_duplicate"`
	EventsDropped   int64         `json:"events_dropped"`
	Connects        int64         `json:"connects"`
	Reconnects      int64         `json:"reconnects"`
	LastConnectedAt time.Time     `json:"last_connected_at"`
	AverageLatency  time.Duration `json:"average_latency"`
	LatencySamples  int64         `json:"latency_samples"`
	QueuedTotal     int64         `json:"queued_total"`
	QueueRejections int64         `json:"queue_rejections"`
	QueueDiscarded  int64         `json:"queue_discarded"`
}

// addLatency folds a sample into the running average.
func (m *Metrics) addLatency(d time.Duration) {
	m.LatencySamples++
	m.AverageLatency += (d - m.AverageLatency) / time.Duration(m.LatencySamples)
}
