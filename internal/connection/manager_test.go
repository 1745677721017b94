// ABOUTME: Tests for the connection manager lifecycle
// ABOUTME: Covers queue flush order, capacity rejection, reconnect backoff, auth and teardown

package connection

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chatkit"
)

func testConfig() Config {
	cfg := DefaultConfig("ws://gateway.test/ws")
	cfg.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2}
	cfg.HeartbeatInterval = time.Hour
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeDialer, *staticCreds) {
	t.Helper()
	d := newFakeDialer()
	creds := validCreds()
	m := NewManager(d, creds, cfg)
	t.Cleanup(m.Close)
	return m, d, creds
}

func outbound(n int) Outbound {
	return Outbound{
		ClientID: fmt.Sprintf("c%d", n),
		ThreadID: "th-1",
		Content:  fmt.Sprintf("msg %d", n),
	}
}

func lastError(t *testing.T, m *Manager) ErrorState {
	t.Helper()
	errs := m.Errors()
	require.NotEmpty(t, errs)
	return errs[len(errs)-1]
}

func TestManager_ConnectOpens(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	assert.Equal(t, StatusIdle, m.Health().Status)

	require.NoError(t, m.Connect(t.Context()))

	h := m.Health()
	assert.Equal(t, StatusOpen, h.Status)
	assert.Equal(t, 0, h.ReconnectAttempts)
	assert.Equal(t, LoadingState{}, m.Loading())
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, "tok-1", d.creds[0].Token)
	assert.EqualValues(t, 1, m.Metrics().Connects)

	// Already open: no second dial
	require.NoError(t, m.Connect(t.Context()))
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_ConnectWithoutCredential(t *testing.T) {
	m, d, creds := newTestManager(t, testConfig())
	creds.set(nil)

	err := m.Connect(t.Context())
	require.ErrorIs(t, err, ErrNoCredential)

	assert.Equal(t, StatusError, m.Health().Status)
	assert.Equal(t, ErrorCredential, lastError(t, m).Type)
	assert.Equal(t, 0, d.dialCount())
}

func TestManager_ConnectWithExpiredCredential(t *testing.T) {
	m, d, creds := newTestManager(t, testConfig())
	creds.set(&chatkit.Credential{Token: "old", ExpiresAt: time.Now().Add(-time.Second)})

	require.ErrorIs(t, m.Connect(t.Context()), ErrNoCredential)
	assert.Equal(t, 0, d.dialCount())

	// A fresh credential lets a manual connect through
	creds.set(&chatkit.Credential{Token: "new", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, m.Connect(t.Context()))
	assert.Equal(t, StatusOpen, m.Health().Status)
	assert.Equal(t, "new", d.creds[0].Token)
}

func TestManager_SendWhileOpenWritesImmediately(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Connect(t.Context()))

	res, err := m.Send(outbound(1))
	require.NoError(t, err)
	assert.Equal(t, Sent, res)

	frames := d.transport().written()
	require.Len(t, frames, 1)
	assert.Equal(t, chatkit.FrameChatSend, frames[0].Type)
	assert.Equal(t, "c1", frames[0].Message.ClientID)
	assert.Equal(t, chatkit.RoleUser, frames[0].Message.Role)
	assert.EqualValues(t, 1, m.Metrics().FramesSent)
}

func TestManager_QueueFlushesInOrder(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	for i := 1; i <= 3; i++ {
		res, err := m.Send(outbound(i))
		require.NoError(t, err)
		assert.Equal(t, Queued, res)
	}
	assert.Equal(t, 3, m.QueueLength())

	require.NoError(t, m.Connect(t.Context()))

	assert.Equal(t, 0, m.QueueLength())
	frames := d.transport().written()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("c%d", i+1), f.Message.ClientID)
		assert.Equal(t, fmt.Sprintf("msg %d", i+1), f.Message.Content)
	}

	// Subsequent sends follow the flushed ones
	_, err := m.Send(outbound(4))
	require.NoError(t, err)
	frames = d.transport().written()
	require.Len(t, frames, 4)
	assert.Equal(t, "c4", frames[3].Message.ClientID)
}

func TestManager_QueueSurvivesDropAndFlushesOnReconnect(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Connect(t.Context()))

	first := d.transport()
	first.drop()
	require.Eventually(t, func() bool {
		return m.Health().Status != StatusOpen
	}, time.Second, 2*time.Millisecond)

	// The reconnect may win the race with these sends, so only order is asserted.
	for i := 1; i <= 3; i++ {
		_, err := m.Send(outbound(i))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return m.Health().Status == StatusOpen && m.QueueLength() == 0
	}, time.Second, 5*time.Millisecond)

	var ids []string
	for _, f := range first.written() {
		ids = append(ids, f.Message.ClientID)
	}
	for _, f := range d.transport().written() {
		ids = append(ids, f.Message.ClientID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}

func TestManager_Ready(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	assert.False(t, m.Ready(), "not open")

	_, err := m.Send(outbound(1))
	require.NoError(t, err)
	require.NoError(t, m.Connect(t.Context()))
	assert.True(t, m.Ready(), "open with the queue drained")

	m.Disconnect()
	assert.False(t, m.Ready())
}

func TestManager_ResetQueueDropsQueuedMessages(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	events := m.Subscribe(t.Context())

	for i := 1; i <= 2; i++ {
		_, err := m.Send(outbound(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.ResetQueue())
	assert.Equal(t, 0, m.QueueLength())
	assert.EqualValues(t, 2, m.Metrics().QueueDiscarded)
	assert.Equal(t, 0, m.ResetQueue())

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Kind == EventQueue && ev.QueueDepth == 0 {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Connect(t.Context()))
	assert.Empty(t, d.transport().written())
}

func TestManager_FlushDiscardsOtherThreads(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	other := outbound(2)
	other.ThreadID = "th-2"
	for _, o := range []Outbound{outbound(1), other, outbound(3)} {
		_, err := m.Send(o)
		require.NoError(t, err)
	}

	require.NoError(t, m.Connect(t.Context()))

	assert.Equal(t, 0, m.QueueLength())
	frames := d.transport().written()
	require.Len(t, frames, 2)
	assert.Equal(t, "c1", frames[0].Message.ClientID)
	assert.Equal(t, "c3", frames[1].Message.ClientID)
	assert.EqualValues(t, 1, m.Metrics().QueueDiscarded)

	_, err := m.Send(other)
	require.ErrorIs(t, err, ErrWrongThread)
	assert.Len(t, d.transport().written(), 2)
}

func TestManager_QueueFullRejects(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	for i := 1; i <= DefaultQueueCapacity; i++ {
		_, err := m.Send(outbound(i))
		require.NoError(t, err)
	}
	assert.True(t, m.QueueFull())

	_, err := m.Send(outbound(11))
	require.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, DefaultQueueCapacity, m.QueueLength())
	e := lastError(t, m)
	assert.Equal(t, ErrorQueueFull, e.Type)
	assert.True(t, e.Recoverable)
	assert.EqualValues(t, 1, m.Metrics().QueueRejections)
	assert.EqualValues(t, DefaultQueueCapacity, m.Metrics().QueuedTotal)
}

func TestManager_QueueFullClearsOnceOpen(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	for i := 1; i <= DefaultQueueCapacity; i++ {
		_, err := m.Send(outbound(i))
		require.NoError(t, err)
	}
	require.True(t, m.QueueFull())

	require.NoError(t, m.Connect(t.Context()))
	assert.False(t, m.QueueFull())
	assert.Equal(t, 0, m.QueueLength())
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Connect(t.Context()))

	d.transport().drop()

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && m.Health().Status == StatusOpen
	}, time.Second, 2*time.Millisecond)

	assert.Equal(t, 0, m.Health().ReconnectAttempts)
	met := m.Metrics()
	assert.EqualValues(t, 2, met.Connects)
	assert.EqualValues(t, 1, met.Reconnects)

	e := lastError(t, m)
	assert.Equal(t, ErrorTransport, e.Type)
	assert.Contains(t, e.Message, "connection dropped")
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	m, d, _ := newTestManager(t, cfg)
	require.NoError(t, m.Connect(t.Context()))

	d.setFailAll(fmt.Errorf("dial tcp: connection refused"))
	d.transport().drop()

	require.Eventually(t, func() bool {
		return m.Health().Status == StatusError
	}, time.Second, 2*time.Millisecond)

	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, 2, m.Health().ReconnectAttempts)
	assert.Contains(t, lastError(t, m).Message, ErrAttemptsExhausted.Error())

	// Rests in error
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, d.dialCount())

	// Manual reconnect resets the attempt count
	d.setFailAll(nil)
	require.NoError(t, m.Reconnect(t.Context()))
	assert.Equal(t, StatusOpen, m.Health().Status)
	assert.Equal(t, 0, m.Health().ReconnectAttempts)
}

func TestManager_AuthRejectionNotRetried(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.errs = []error{fmt.Errorf("%w: 401 Unauthorized", ErrUnauthorized)}

	err := m.Connect(t.Context())
	require.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, StatusError, m.Health().Status)
	e := lastError(t, m)
	assert.Equal(t, ErrorAuth, e.Type)
	assert.False(t, e.Recoverable)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_NoAutoReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	m, d, _ := newTestManager(t, cfg)
	require.NoError(t, m.Connect(t.Context()))

	d.transport().drop()

	require.Eventually(t, func() bool {
		return m.Health().Status == StatusError
	}, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_PeerCloseIsNotRetried(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Connect(t.Context()))

	d.transport().peerClose()

	require.Eventually(t, func() bool {
		return m.Health().Status == StatusClosed
	}, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_InboundFrames(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	events := m.Subscribe(t.Context())
	require.NoError(t, m.Connect(t.Context()))

	msg := &chatkit.Message{ID: "m1", ThreadID: "th-1", Role: chatkit.RoleAssistant, Content: "hi", CreatedAt: time.Now()}
	tr := d.transport()
	tr.send(&chatkit.Frame{Type: chatkit.FrameChatMessage, Message: msg})
	tr.send(&chatkit.Frame{Type: chatkit.FrameChatMessage, Message: msg}) // replay
	tr.send(&chatkit.Frame{Type: chatkit.FrameThreadUpdated, Thread: &chatkit.Thread{ID: "th-1", Title: "Renamed", UpdatedAt: time.Now()}})
	tr.inbound <- []byte("{not json")

	var messages, threads, serialization int
	deadline := time.After(time.Second)
	for serialization == 0 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventMessage:
				messages++
				assert.Equal(t, "hi", ev.Message.Content)
			case EventThread:
				threads++
				assert.Equal(t, "Renamed", ev.Thread.Title)
			case EventError:
				if ev.Error.Type == ErrorSerialization {
					serialization++
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}

	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, threads)
	met := m.Metrics()
	assert.EqualValues(t, 4, met.FramesReceived)
	assert.EqualValues(t, 1, met.FramesDuplicate)
}

func TestManager_HeartbeatMeasuresLatency(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	m, _, _ := newTestManager(t, cfg)
	require.NoError(t, m.Connect(t.Context()))

	require.Eventually(t, func() bool {
		return m.Metrics().LatencySamples >= 2
	}, time.Second, 5*time.Millisecond)

	h := m.Health()
	assert.Equal(t, QualityExcellent, h.Quality)
	assert.Less(t, h.LatencyMs, int64(100))
}

func TestManager_HeartbeatFailureReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	m, d, _ := newTestManager(t, cfg)
	require.NoError(t, m.Connect(t.Context()))

	first := d.transport()
	first.mu.Lock()
	first.pingErr = fmt.Errorf("pong timeout")
	first.mu.Unlock()

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && m.Health().Status == StatusOpen
	}, time.Second, 5*time.Millisecond)

	var sawHeartbeat bool
	for _, e := range m.Errors() {
		if e.Type == ErrorHeartbeat {
			sawHeartbeat = true
		}
	}
	assert.True(t, sawHeartbeat)
}

func TestManager_DisconnectStopsReconnect(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Connect(t.Context()))

	m.Disconnect()
	assert.Equal(t, StatusClosed, m.Health().Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	// Closed is not terminal
	require.NoError(t, m.Connect(t.Context()))
	assert.Equal(t, StatusOpen, m.Health().Status)
}

func TestManager_CloseTearsDown(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	events := m.Subscribe(t.Context())
	require.NoError(t, m.Connect(t.Context()))

	m.Close()

	// Channel drains and closes
	timeout := time.After(time.Second)
	for open := true; open; {
		select {
		case _, open = <-events:
		case <-timeout:
			t.Fatal("subscriber channel not closed")
		}
	}

	require.ErrorIs(t, m.Connect(t.Context()), ErrClosed)
	_, err := m.Send(outbound(1))
	require.ErrorIs(t, err, ErrClosed)

	// Transport was closed and no redial happens
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	// Close is idempotent
	m.Close()
}

func TestManager_SubscribeAfterClose(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	m.Close()

	_, ok := <-m.Subscribe(t.Context())
	assert.False(t, ok)
}

func TestManager_ErrorLogIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxErrors = 3
	cfg.QueueCapacity = 1
	m, _, _ := newTestManager(t, cfg)

	_, err := m.Send(outbound(1))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.Send(outbound(2))
		require.ErrorIs(t, err, ErrQueueFull)
	}

	assert.Len(t, m.Errors(), 3)
	m.ClearErrors()
	assert.Empty(t, m.Errors())
}
