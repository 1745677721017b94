// ABOUTME: Token session manager that acquires and proactively renews chat credentials
// ABOUTME: Owns one renewal timer per instance; refreshes never blank the held credential

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
)

const (
	// DefaultRefreshLead is how long before expiry a refresh is issued.
	DefaultRefreshLead = 45 * time.Second
	// DefaultMinRefreshDelay is the floor on the renewal timer.
	DefaultMinRefreshDelay = 5 * time.Second
	// defaultFetchTimeout bounds a single token request started by the timer.
	defaultFetchTimeout = 30 * time.Second
)

// ErrNoCredential is returned when a credential is required but none is held.
var ErrNoCredential = errors.New("no credential held")

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session manager closed")

// TokenFetcher issues chat credentials. *chatkit.Client satisfies it.
type TokenFetcher interface {
	Token(ctx context.Context, placement, threadID string) (*chatkit.Credential, error)
}

// Mode selects how a Start request treats the currently held credential.
type Mode int

const (
	// ModeInitial drops the held credential and shows a loading state.
	ModeInitial Mode = iota
	// ModeRefresh keeps the held credential visible until the new one arrives.
	ModeRefresh
)

func (m Mode) String() string {
	if m == ModeRefresh {
		return "refresh"
	}
	return "initial"
}

// Options configures a Start request. A nil ThreadID or Placement keeps the
// current value.
type Options struct {
	Placement *string
	ThreadID  *string
	Mode      Mode
}

// State is a read-only snapshot of the session.
type State struct {
	Credential *chatkit.Credential
	Placement  string
	ThreadID   string
	Loading    bool
	Refreshing bool
	Err        error
	// ExpiresIn is whole seconds until the credential expires as of the
	// snapshot, 0 when none is held. For display only.
	ExpiresIn int
}

// Config configures a Manager.
type Config struct {
	Placement       string
	ThreadID        string
	RefreshLead     time.Duration
	MinRefreshDelay time.Duration
	// OnUpdate, if set, receives every state change. It is called without
	// the manager's lock held, one call at a time; a snapshot older than one
	// already delivered is skipped.
	OnUpdate func(State)
	Logger   *slog.Logger
}

// Manager acquires and renews the credential for one placement/thread.
type Manager struct {
	fetcher         TokenFetcher
	refreshLead     time.Duration
	minRefreshDelay time.Duration
	onUpdate        func(State)
	logger          *slog.Logger
	now             func() time.Time

	mu    sync.Mutex
	state State
	timer *time.Timer
	// gen increments whenever in-flight fetches must be discarded:
	// on every initial request and on Close.
	gen    uint64
	closed bool
	// seq numbers published snapshots.
	seq uint64

	notifyMu sync.Mutex
	notified uint64
}

// NewManager creates a Manager. It does not fetch until Start is called.
func NewManager(fetcher TokenFetcher, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = DefaultRefreshLead
	}
	if cfg.MinRefreshDelay <= 0 {
		cfg.MinRefreshDelay = DefaultMinRefreshDelay
	}
	return &Manager{
		fetcher:         fetcher,
		refreshLead:     cfg.RefreshLead,
		minRefreshDelay: cfg.MinRefreshDelay,
		onUpdate:        cfg.OnUpdate,
		logger:          logger.With("component", "session"),
		now:             time.Now,
		state: State{
			Placement: cfg.Placement,
			ThreadID:  cfg.ThreadID,
		},
	}
}

// Start requests a credential. ModeInitial clears the held credential first;
// ModeRefresh keeps it visible and swaps it only on success. A different
// Placement or ThreadID always forces ModeInitial. Start blocks until the fetch finishes
// and returns its error, which is also recorded in State.Err.
func (m *Manager) Start(ctx context.Context, opts Options) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	mode := opts.Mode
	if opts.Placement != nil && *opts.Placement != m.state.Placement {
		m.state.Placement = *opts.Placement
		mode = ModeInitial
	}
	if opts.ThreadID != nil && *opts.ThreadID != m.state.ThreadID {
		m.state.ThreadID = *opts.ThreadID
		mode = ModeInitial
	}
	if mode == ModeRefresh && m.state.Credential == nil {
		mode = ModeInitial
	}

	if mode == ModeInitial {
		m.gen++
		m.stopTimerLocked()
		m.state.Credential = nil
		m.state.Loading = true
		m.state.Refreshing = false
	} else {
		m.state.Refreshing = true
	}
	m.state.Err = nil

	gen := m.gen
	placement := m.state.Placement
	threadID := m.state.ThreadID
	snapshot, seq := m.publishLocked()
	m.mu.Unlock()

	m.notify(seq, snapshot)

	m.logger.Debug("requesting credential",
		"mode", mode.String(),
		"placement", placement,
		"thread_id", threadID,
	)

	cred, err := m.fetcher.Token(ctx, placement, threadID)
	return m.apply(gen, mode, cred, err)
}

// apply stores the result of a fetch started under gen. Results from a
// superseded generation are dropped.
func (m *Manager) apply(gen uint64, mode Mode, cred *chatkit.Credential, err error) error {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		m.logger.Debug("discarding stale credential result", "mode", mode.String())
		return nil
	}

	if err != nil {
		m.state.Err = err
		m.state.Loading = false
		m.state.Refreshing = false
		if mode == ModeInitial {
			m.state.Credential = nil
		} else {
			// Keep trying while the stale credential is still held.
			m.armTimerLocked(gen, m.minRefreshDelay)
		}
		snapshot, seq := m.publishLocked()
		m.mu.Unlock()

		m.logger.Warn("credential request failed",
			"mode", mode.String(),
			"stale_token_kept", snapshot.Credential != nil,
			"error", err,
		)
		m.notify(seq, snapshot)
		return err
	}

	m.state.Credential = cred
	m.state.Loading = false
	m.state.Refreshing = false
	m.state.Err = nil
	delay := m.refreshDelay(cred.ExpiresAt)
	m.armTimerLocked(gen, delay)
	snapshot, seq := m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("credential acquired",
		"mode", mode.String(),
		"thread_id", cred.ThreadID,
		"expires_at", cred.ExpiresAt,
		"refresh_in", delay,
	)
	m.notify(seq, snapshot)
	return nil
}

// refreshDelay computes when the renewal timer fires:
// max(minRefreshDelay, expiresAt - now - refreshLead).
func (m *Manager) refreshDelay(expiresAt time.Time) time.Duration {
	return RefreshDelay(m.now(), expiresAt, m.refreshLead, m.minRefreshDelay)
}

// RefreshDelay is the renewal policy as a pure function.
func RefreshDelay(now, expiresAt time.Time, lead, floor time.Duration) time.Duration {
	d := expiresAt.Sub(now) - lead
	if d < floor {
		return floor
	}
	return d
}

func (m *Manager) armTimerLocked(gen uint64, delay time.Duration) {
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.closed || gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
		defer cancel()
		// The error is already recorded in state.
		_ = m.Start(ctx, Options{Mode: ModeRefresh})
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// SetPlacement switches placement and performs an initial request.
func (m *Manager) SetPlacement(ctx context.Context, placement string) error {
	m.mu.Lock()
	changed := placement != m.state.Placement
	m.state.Placement = placement
	m.mu.Unlock()

	if !changed {
		return nil
	}
	return m.Start(ctx, Options{Mode: ModeInitial})
}

// State returns a snapshot of the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Credential returns the held credential, which may be stale after a failed
// refresh. Callers keep using it until the connection reports an auth error.
func (m *Manager) Credential() (*chatkit.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Credential, m.state.Credential != nil
}

// ExpiryCountdown returns whole seconds until the held credential expires,
// or 0 when none is held. For display only; renewal uses the timer.
func (m *Manager) ExpiryCountdown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresInLocked()
}

func (m *Manager) expiresInLocked() int {
	cred := m.state.Credential
	if cred == nil {
		return 0
	}
	secs := int(cred.ExpiresAt.Sub(m.now()) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

func (m *Manager) snapshotLocked() State {
	s := m.state
	s.ExpiresIn = m.expiresInLocked()
	return s
}

// publishLocked snapshots the state and tags it with the next sequence.
func (m *Manager) publishLocked() (State, uint64) {
	m.seq++
	return m.snapshotLocked(), m.seq
}

// Close stops the renewal timer and discards any in-flight fetch.
// It is safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
}

// notify hands s to OnUpdate unless a newer snapshot already went out.
func (m *Manager) notify(seq uint64, s State) {
	if m.onUpdate == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.notified {
		return
	}
	m.notified = seq
	m.onUpdate(s)
}
