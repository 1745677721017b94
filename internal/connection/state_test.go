// ABOUTME: Tests for the status table, quality grading, backoff and queue primitives
// ABOUTME: Pure functions only; the manager is covered in manager_test.go

package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusIdle, StatusConnecting, true},
		{StatusConnecting, StatusOpen, true},
		{StatusOpen, StatusConnecting, true},
		{StatusConnecting, StatusConnecting, true},
		{StatusError, StatusConnecting, true},
		{StatusClosed, StatusConnecting, true},
		{StatusOpen, StatusClosed, true},
		{StatusIdle, StatusError, true},
		{StatusIdle, StatusOpen, false},
		{StatusClosed, StatusOpen, false},
		{StatusError, StatusOpen, false},
		{StatusOpen, StatusIdle, false},
		{StatusOpen, StatusOpen, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestQualityFor(t *testing.T) {
	assert.Equal(t, QualityExcellent, QualityFor(StatusOpen, 20*time.Millisecond))
	assert.Equal(t, QualityGood, QualityFor(StatusOpen, 100*time.Millisecond))
	assert.Equal(t, QualityGood, QualityFor(StatusOpen, 299*time.Millisecond))
	assert.Equal(t, QualityPoor, QualityFor(StatusOpen, 300*time.Millisecond))
	assert.Equal(t, QualityCritical, QualityFor(StatusOpen, time.Second))
	assert.Equal(t, QualityCritical, QualityFor(StatusConnecting, 0))
	assert.Equal(t, QualityCritical, QualityFor(StatusError, 0))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 16*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(6))
	assert.Equal(t, 30*time.Second, b.Delay(50))
}

func TestBackoff_Jitter(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestMetrics_AddLatency(t *testing.T) {
	var m Metrics
	m.addLatency(10 * time.Millisecond)
	m.addLatency(30 * time.Millisecond)
	assert.EqualValues(t, 2, m.LatencySamples)
	assert.Equal(t, 20*time.Millisecond, m.AverageLatency)
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue(2)
	assert.True(t, q.push(Outbound{ClientID: "a"}))
	assert.True(t, q.push(Outbound{ClientID: "b"}))
	assert.False(t, q.push(Outbound{ClientID: "c"}))
	assert.True(t, q.full())

	head, ok := q.peek()
	assert.True(t, ok)
	assert.Equal(t, "a", head.ClientID)

	assert.False(t, q.popIf("b"), "only the head may be popped")
	assert.True(t, q.popIf("a"))
	assert.Equal(t, 1, q.len())

	head, _ = q.peek()
	assert.Equal(t, "b", head.ClientID)
}

func TestErrorLog_DropsOldest(t *testing.T) {
	l := errorLog{max: 2}
	l.add(ErrorState{Message: "1"})
	l.add(ErrorState{Message: "2"})
	l.add(ErrorState{Message: "3"})

	got := l.snapshot()
	assert.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Message)
	assert.Equal(t, "3", got[1].Message)
}
