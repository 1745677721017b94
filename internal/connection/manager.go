// ABOUTME: Connection manager owning one persistent gateway socket
// ABOUTME: Handles connect, capped-backoff reconnect, heartbeat health, outbound queue and teardown

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/dedupe"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultHeartbeatTimeout     = 5 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultMaxErrors            = 20
	DefaultReplayWindow         = 5 * time.Minute
	defaultReplayWindowSize     = 512
)

// CredentialSource provides the credential captured at each dial.
// *session.Manager satisfies it.
type CredentialSource interface {
	Credential() (*chatkit.Credential, bool)
}

// Config configures a Manager. Start from DefaultConfig.
type Config struct {
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int
	Backoff              Backoff
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	QueueCapacity        int
	MaxErrors            int
	ReplayWindow         time.Duration
	Logger               *slog.Logger
}

// DefaultConfig returns a Config with auto-reconnect on and every tunable
// at its default.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Backoff:              DefaultBackoff(),
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		DialTimeout:          DefaultDialTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		QueueCapacity:        DefaultQueueCapacity,
		MaxErrors:            DefaultMaxErrors,
		ReplayWindow:         DefaultReplayWindow,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.URL)
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = d.ReplayWindow
	}
}

// SendResult tells the caller what Send did with a message.
type SendResult int

const (
	// Sent means the frame was written to the open socket.
	Sent SendResult = iota
	// Queued means the message waits for the next open connection.
	Queued
)

// Manager owns the lifecycle of one gateway connection.
type Manager struct {
	cfg     Config
	dialer  Dialer
	creds   CredentialSource
	logger  *slog.Logger
	bus     *broadcaster
	replay  *dedupe.Window
	dropped atomic.Int64
	now     func() time.Time

	// writeMu serializes socket writes so flush order is wire order.
	writeMu sync.Mutex

	mu        sync.Mutex
	health    Health
	loading   LoadingState
	errs      errorLog
	metrics   Metrics
	queue     *queue
	flushing  bool
	transport Transport
	threadID  string // thread the open socket is authorised for
	cancel    context.CancelFunc
	retry     *time.Timer
	// epoch identifies the current connection attempt. Loops, timers and
	// dials belonging to an older epoch must not touch state.
	epoch  uint64
	closed bool
	loops  sync.WaitGroup
}

// NewManager creates an idle Manager.
func NewManager(dialer Dialer, creds CredentialSource, cfg Config) *Manager {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connection")

	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		creds:  creds,
		logger: logger,
		replay: dedupe.NewWindow(cfg.ReplayWindow, defaultReplayWindowSize),
		now:    time.Now,
		errs:   errorLog{max: cfg.MaxErrors},
		queue:  newQueue(cfg.QueueCapacity),
		health: Health{Status: StatusIdle, Quality: QualityCritical},
	}
	m.bus = newBroadcaster(logger, func() { m.dropped.Add(1) })
	return m
}

// Subscribe returns a channel of events that closes when ctx is done or the
// manager is closed.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	return m.bus.subscribe(ctx)
}

// Connect opens the connection if it is not already open or connecting.
// Failures are recorded in Errors and also returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.health.Status == StatusOpen || m.health.Status == StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	epoch := m.beginAttemptLocked(false)
	m.mu.Unlock()

	return m.dial(ctx, epoch)
}

// Reconnect tears down any current connection or pending retry and dials
// again immediately with a fresh attempt count.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.detachLocked()
	epoch := m.beginAttemptLocked(false)
	m.mu.Unlock()

	m.closeTransport(old, false)
	return m.dial(ctx, epoch)
}

// Disconnect closes the connection and stops reconnecting. The manager can
// be connected again later.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.detachLocked()
	m.loading = LoadingState{}
	m.health.ReconnectAttempts = 0
	m.transitionLocked(StatusClosed)
	m.mu.Unlock()

	m.closeTransport(old, false)
	m.loops.Wait()
}

// Close tears the manager down: timers stop, the socket closes and every
// subscriber channel is closed before Close returns. No events are
// published once Close has started.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.bus.close()
	old := m.detachLocked()
	m.health.Status = StatusClosed
	m.health.Quality = QualityCritical
	m.loading = LoadingState{}
	m.mu.Unlock()

	m.closeTransport(old, false)
	m.loops.Wait()
	m.logger.Debug("connection manager closed")
}

// Send transmits msg on the open socket, or queues it while the socket is
// not open (or earlier queued messages are still being flushed). A full
// queue rejects with ErrQueueFull.
func (m *Manager) Send(msg Outbound) (SendResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}

	if m.health.Status != StatusOpen || m.flushing {
		if !m.queue.push(stamp(msg, m.now())) {
			m.metrics.QueueRejections++
			m.recordLocked(ErrorQueueFull, ErrQueueFull, true)
			m.mu.Unlock()
			return 0, ErrQueueFull
		}
		m.metrics.QueuedTotal++
		m.publishQueueLocked()
		m.logger.Debug("message queued", "client_id", msg.ClientID, "queue_length", m.queue.len())
		m.mu.Unlock()
		return Queued, nil
	}

	if m.wrongThreadLocked(msg) {
		m.mu.Unlock()
		return 0, ErrWrongThread
	}
	t := m.transport
	m.mu.Unlock()

	if err := m.write(t, msg); err != nil {
		m.closeTransport(t, true)
		return 0, err
	}
	return Sent, nil
}

func stamp(msg Outbound, now time.Time) Outbound {
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = now
	}
	return msg
}

// wrongThreadLocked reports whether msg is addressed to a thread other than
// the one the open socket is authorised for.
func (m *Manager) wrongThreadLocked(msg Outbound) bool {
	return msg.ThreadID != "" && m.threadID != "" && msg.ThreadID != m.threadID
}

// Ready reports whether a Send right now would go straight to the socket:
// it is open and nothing queued is waiting to go out first.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health.Status == StatusOpen && !m.flushing && m.queue.len() == 0
}

// ResetQueue drops every queued message and forgets replayed frame ids. It
// is called when the selected thread changes and returns how many messages
// were dropped.
func (m *Manager) ResetQueue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.queue.len()
	m.queue.reset()
	m.replay.Reset()
	if n > 0 {
		m.metrics.QueueDiscarded += int64(n)
		m.logger.Info("discarded queued messages", "count", n)
		m.publishQueueLocked()
	}
	return n
}

// Health returns the current health snapshot.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Loading returns what the manager is busy with.
func (m *Manager) Loading() LoadingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Errors returns the rolling error list, oldest first.
func (m *Manager) Errors() []ErrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs.snapshot()
}

// ClearErrors empties the error list.
func (m *Manager) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs.clear()
}

// Metrics returns cumulative counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	out.EventsDropped = m.dropped.Load()
	return out
}

// QueueLength returns the number of queued outbound messages.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// QueueFull reports whether a Send would be rejected right now.
func (m *Manager) QueueFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	queueing := m.health.Status != StatusOpen || m.flushing
	return queueing && m.queue.full()
}

// QueueCapacity returns the configured queue bound.
func (m *Manager) QueueCapacity() int {
	return m.cfg.QueueCapacity
}

// beginAttemptLocked moves to connecting and returns the new epoch.
func (m *Manager) beginAttemptLocked(reconnecting bool) uint64 {
	m.stopRetryLocked()
	m.epoch++
	if !reconnecting {
		m.health.ReconnectAttempts = 0
	}
	m.loading = LoadingState{Connecting: !reconnecting, Reconnecting: reconnecting}
	m.transitionLocked(StatusConnecting)
	return m.epoch
}

// detachLocked invalidates the current epoch and hands back the transport
// for the caller to close outside the lock.
func (m *Manager) detachLocked() Transport {
	m.stopRetryLocked()
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	t := m.transport
	m.transport = nil
	m.threadID = ""
	m.flushing = false
	return t
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) closeTransport(t Transport, abort bool) {
	if t == nil {
		return
	}
	var err error
	if abort {
		err = t.Abort()
	} else {
		err = t.Close()
	}
	if err != nil {
		m.logger.Debug("closing transport", "error", err)
	}
}

// dial performs one connection attempt for epoch.
func (m *Manager) dial(ctx context.Context, epoch uint64) error {
	cred, ok := m.creds.Credential()
	if !ok || cred.Expired(m.now()) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stale(epoch) {
			return ErrClosed
		}
		m.recordLocked(ErrorCredential, ErrNoCredential, true)
		m.loading = LoadingState{}
		m.transitionLocked(StatusError)
		return ErrNoCredential
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	t, err := m.dialer.Dial(dctx, m.cfg.URL, cred)
	cancel()

	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stale(epoch) {
			return err
		}
		if errors.Is(err, ErrUnauthorized) {
			// A new credential is needed; retrying this one cannot help.
			m.recordLocked(ErrorAuth, err, false)
			m.loading = LoadingState{}
			m.transitionLocked(StatusError)
			return err
		}
		m.recordLocked(ErrorTransport, err, m.cfg.AutoReconnect)
		m.scheduleRetryLocked()
		return err
	}

	m.mu.Lock()
	if m.stale(epoch) {
		m.mu.Unlock()
		m.closeTransport(t, true)
		return ErrClosed
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	m.transport = t
	m.threadID = cred.ThreadID
	m.cancel = connCancel
	m.health.ReconnectAttempts = 0
	m.metrics.Connects++
	m.metrics.LastConnectedAt = m.now()
	m.flushing = m.queue.len() > 0
	m.loading = LoadingState{Flushing: m.flushing}
	m.transitionLocked(StatusOpen)

	m.loops.Add(2)
	go m.readLoop(connCtx, t, epoch)
	go m.heartbeatLoop(connCtx, t, epoch)
	flushing := m.flushing
	m.mu.Unlock()

	m.logger.Info("connected to gateway", "thread_id", cred.ThreadID, "queued", m.QueueLength())

	if flushing {
		m.flush(t, epoch)
	}
	return nil
}

// stale reports whether epoch has been superseded. Requires mu.
func (m *Manager) stale(epoch uint64) bool {
	return m.closed || epoch != m.epoch
}

// scheduleRetryLocked arms the next reconnect attempt, or gives up.
func (m *Manager) scheduleRetryLocked() {
	if !m.cfg.AutoReconnect {
		m.loading = LoadingState{}
		m.transitionLocked(StatusError)
		return
	}
	if m.health.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.recordLocked(ErrorTransport, ErrAttemptsExhausted, true)
		m.logger.Warn("giving up on automatic reconnect", "attempts", m.health.ReconnectAttempts)
		m.loading = LoadingState{}
		m.transitionLocked(StatusError)
		return
	}

	attempt := m.health.ReconnectAttempts + 1
	epoch := m.beginAttemptLocked(true)
	m.health.ReconnectAttempts = attempt
	m.metrics.Reconnects++
	m.publishHealthLocked()

	delay := m.cfg.Backoff.Delay(attempt)
	m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)

	m.retry = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		// Outcome is recorded in state.
		_ = m.dial(ctx, epoch)
	})
}

// readLoop delivers inbound frames until the transport fails.
func (m *Manager) readLoop(ctx context.Context, t Transport, epoch uint64) {
	defer m.loops.Done()

	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.handleDrop(t, epoch, err)
			return
		}
		m.handleFrame(epoch, data)
	}
}

// handleDrop reacts to the socket going away underneath us.
func (m *Manager) handleDrop(t Transport, epoch uint64, cause error) {
	m.mu.Lock()
	if m.stale(epoch) {
		m.mu.Unlock()
		return
	}
	m.detachLocked()

	if errors.Is(cause, ErrClosedNormally) {
		m.logger.Info("gateway closed connection")
		m.loading = LoadingState{}
		m.transitionLocked(StatusClosed)
		m.mu.Unlock()
		m.closeTransport(t, true)
		return
	}

	m.logger.Warn("connection dropped", "error", cause)
	m.recordLocked(ErrorTransport, fmt.Errorf("connection dropped: %w", cause), m.cfg.AutoReconnect)
	m.scheduleRetryLocked()
	m.mu.Unlock()

	m.closeTransport(t, true)
}

func (m *Manager) handleFrame(epoch uint64, data []byte) {
	frame, err := chatkit.DecodeFrame(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stale(epoch) {
		return
	}
	m.metrics.FramesReceived++

	if err != nil {
		m.recordLocked(ErrorSerialization, fmt.Errorf("decoding frame: %w", err), true)
		return
	}
	if key := frame.Key(); key != "" && m.replay.Seen(key) {
		m.metrics.FramesDuplicate++
		return
	}

	switch frame.Type {
	case chatkit.FrameChatMessage:
		if frame.Message == nil {
			m.recordLocked(ErrorSerialization, errors.New("chat.message frame without message"), true)
			return
		}
		m.bus.publish(Event{Kind: EventMessage, Message: frame.Message})
	case chatkit.FrameThreadUpdated:
		if frame.Thread == nil {
			m.recordLocked(ErrorSerialization, errors.New("thread.updated frame without thread"), true)
			return
		}
		m.bus.publish(Event{Kind: EventThread, Thread: frame.Thread})
	default:
		m.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

// heartbeatLoop measures round-trip latency until ctx is cancelled. A failed
// ping aborts the transport so the read loop drives reconnection.
func (m *Manager) heartbeatLoop(ctx context.Context, t Transport, epoch uint64) {
	defer m.loops.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if !m.pingOnce(ctx, t, epoch) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pingOnce(ctx context.Context, t Transport, epoch uint64) bool {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	start := time.Now()
	err := t.Ping(pctx)
	rtt := time.Since(start)
	cancel()

	if ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	if m.stale(epoch) {
		m.mu.Unlock()
		return false
	}
	if err != nil {
		m.recordLocked(ErrorHeartbeat, fmt.Errorf("heartbeat failed: %w", err), true)
		m.mu.Unlock()
		m.closeTransport(t, true)
		return false
	}

	m.health.LatencyMs = rtt.Milliseconds()
	m.health.Quality = QualityFor(m.health.Status, rtt)
	m.metrics.addLatency(rtt)
	m.publishHealthLocked()
	m.mu.Unlock()
	return true
}

// flush drains the queue in FIFO order. New Sends queue behind it until
// the queue is empty. A write failure aborts the transport so the normal
// reconnect path takes over; the failed message stays at the head.
func (m *Manager) flush(t Transport, epoch uint64) {
	for {
		m.mu.Lock()
		if m.stale(epoch) {
			m.mu.Unlock()
			return
		}
		msg, ok := m.queue.peek()
		if !ok {
			m.flushing = false
			m.loading.Flushing = false
			m.mu.Unlock()
			return
		}
		if m.wrongThreadLocked(msg) {
			m.queue.popIf(msg.ClientID)
			m.metrics.QueueDiscarded++
			m.logger.Warn("discarding queued message for another thread",
				"client_id", msg.ClientID, "thread_id", msg.ThreadID, "socket_thread_id", m.threadID)
			m.publishQueueLocked()
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := m.write(t, msg); err != nil {
			m.closeTransport(t, true)
			return
		}

		m.mu.Lock()
		m.queue.popIf(msg.ClientID)
		m.publishQueueLocked()
		m.mu.Unlock()
	}
}

// write encodes and writes one message. Failures are recorded.
func (m *Manager) write(t Transport, msg Outbound) error {
	data, err := chatkit.EncodeFrame(msg.frame())
	if err != nil {
		m.mu.Lock()
		m.recordLocked(ErrorSerialization, fmt.Errorf("encoding frame: %w", err), false)
		m.mu.Unlock()
		return err
	}

	m.writeMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	err = t.Write(ctx, data)
	cancel()
	m.writeMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.recordLocked(ErrorTransport, fmt.Errorf("writing frame: %w", err), true)
		return fmt.Errorf("writing frame: %w", err)
	}
	m.metrics.FramesSent++
	return nil
}

// transitionLocked applies a guarded status change and publishes health.
func (m *Manager) transitionLocked(to Status) bool {
	from := m.health.Status
	if !CanTransition(from, to) {
		m.logger.Warn("rejected status transition", "from", from, "to", to)
		return false
	}
	m.health.Status = to
	if to != StatusOpen {
		m.health.LatencyMs = 0
	}
	m.health.Quality = QualityFor(to, time.Duration(m.health.LatencyMs)*time.Millisecond)
	if from != to {
		m.logger.Debug("status changed", "from", from, "to", to)
	}
	m.publishHealthLocked()
	return true
}

func (m *Manager) publishHealthLocked() {
	m.bus.publish(Event{Kind: EventHealth, Health: m.health})
}

func (m *Manager) publishQueueLocked() {
	m.bus.publish(Event{Kind: EventQueue, QueueDepth: m.queue.len()})
}

func (m *Manager) recordLocked(typ ErrorType, err error, recoverable bool) {
	e := ErrorState{
		Type:        typ,
		Message:     err.Error(),
		Recoverable: recoverable,
		At:          m.now(),
	}
	m.errs.add(e)
	m.bus.publish(Event{Kind: EventError, Error: &e})
}
