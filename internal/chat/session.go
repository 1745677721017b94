// ABOUTME: Chat session orchestrating credentials, the gateway socket and the transcript
// ABOUTME: Thread selection, hybrid HTTP/queue delivery, cache write-through and auth recovery

package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/connection"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/transcript"
)

// DefaultThreadListLimit bounds Threads.
const DefaultThreadListLimit = 20

// authRecoveryTimeout bounds the refresh and reconnect after an auth rejection.
const authRecoveryTimeout = 30 * time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("chat session closed")

// Gateway is the HTTP side of the chat gateway. *chatkit.Client satisfies it.
type Gateway interface {
	Token(ctx context.Context, placement, threadID string) (*chatkit.Credential, error)
	ListThreads(ctx context.Context, placement string, limit int) ([]chatkit.Thread, error)
	CreateThread(ctx context.Context, placement string, threadContext map[string]any) (*chatkit.Thread, error)
	History(ctx context.Context, threadID string, limit int) ([]chatkit.Message, error)
	PostMessage(ctx context.Context, threadID, clientID, content string, role chatkit.Role) (*chatkit.Message, error)
}

// Config configures a Session.
type Config struct {
	Gateway    Gateway
	Dialer     connection.Dialer
	Connection connection.Config

	Placement string
	// ThreadID selects a thread up front. Empty means the most recent thread
	// of the placement, or a new one when there is none.
	ThreadID string

	RefreshLead     time.Duration
	MinRefreshDelay time.Duration
	HistoryLimit    int
	ThreadListLimit int

	// Cache, if set, is read before history arrives and written through.
	Cache store.Cache

	// OnTranscript receives the merged transcript after every change.
	OnTranscript func([]chatkit.Message)
	// OnIndicator receives the indicator after health, queue or credential
	// changes. It may be called from more than one goroutine.
	OnIndicator func(Indicator)
	// OnThread receives thread updates pushed by the gateway.
	OnThread func(chatkit.Thread)

	Logger *slog.Logger
}

// Session is one user's chat session against a gateway.
type Session struct {
	gw              Gateway
	cache           store.Cache
	logger          *slog.Logger
	threadListLimit int
	historyLimit    int
	onIndicator     func(Indicator)
	onThread        func(chatkit.Thread)

	creds  *session.Manager
	conn   *connection.Manager
	engine *transcript.Engine

	// opMu serialises thread activation so session, socket and transcript
	// always agree on the selected thread.
	opMu sync.Mutex

	mu        sync.Mutex
	placement string
	threadID  string
	threads   []chatkit.Thread
	closed    bool

	authTried atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Session and starts consuming connection events. Nothing is
// fetched or dialled until Open.
func New(cfg Config) (*Session, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("chat: gateway is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("chat: dialer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ThreadListLimit <= 0 {
		cfg.ThreadListLimit = DefaultThreadListLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = transcript.DefaultHistoryLimit
	}
	if cfg.Connection.Logger == nil {
		cfg.Connection.Logger = logger
	}

	s := &Session{
		gw:              cfg.Gateway,
		cache:           cfg.Cache,
		logger:          logger.With("component", "chat"),
		threadListLimit: cfg.ThreadListLimit,
		historyLimit:    cfg.HistoryLimit,
		onIndicator:     cfg.OnIndicator,
		onThread:        cfg.OnThread,
		placement:       cfg.Placement,
		threadID:        cfg.ThreadID,
	}

	s.creds = session.NewManager(cfg.Gateway, session.Config{
		Placement:       cfg.Placement,
		ThreadID:        cfg.ThreadID,
		RefreshLead:     cfg.RefreshLead,
		MinRefreshDelay: cfg.MinRefreshDelay,
		OnUpdate:        func(session.State) { s.emitIndicator() },
		Logger:          logger,
	})
	s.conn = connection.NewManager(cfg.Dialer, s.creds, cfg.Connection)
	s.engine = transcript.NewEngine(transcript.Config{
		Deliverer:    s,
		History:      s,
		HistoryLimit: cfg.HistoryLimit,
		OnChange:     cfg.OnTranscript,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	events := s.conn.Subscribe(ctx)
	s.wg.Add(1)
	go s.consume(ctx, events)

	return s, nil
}

// Open selects the configured thread (or picks one), acquires a credential,
// connects and loads history. A connection failure is returned but the
// session keeps retrying in the background.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	threadID := s.threadID
	s.mu.Unlock()

	if threadID == "" {
		t, err := s.pickThread(ctx)
		if err != nil {
			return err
		}
		threadID = t.ID
	}
	return s.activate(ctx, threadID, false)
}

// SelectThread switches to threadID. The credential is re-issued for the new
// thread and the socket reconnects with it.
func (s *Session) SelectThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return transcript.ErrNoThread
	}
	if threadID == s.ThreadID() && s.engine.ThreadID() == threadID {
		return nil
	}
	return s.activate(ctx, threadID, true)
}

// NewThread creates a thread under the current placement and selects it.
func (s *Session) NewThread(ctx context.Context, threadContext map[string]any) (*chatkit.Thread, error) {
	t, err := s.gw.CreateThread(ctx, s.Placement(), threadContext)
	if err != nil {
		return nil, err
	}
	s.rememberThreads(ctx, *t)
	if err := s.activate(ctx, t.ID, true); err != nil {
		return t, err
	}
	return t, nil
}

// SetPlacement switches placement and opens its most recent thread.
func (s *Session) SetPlacement(ctx context.Context, placement string) error {
	s.mu.Lock()
	if placement == s.placement {
		s.mu.Unlock()
		return nil
	}
	s.placement = placement
	s.threads = nil
	s.mu.Unlock()

	t, err := s.pickThread(ctx)
	if err != nil {
		return err
	}
	return s.activate(ctx, t.ID, true)
}

// Threads lists the placement's threads, most recent first. When the
// gateway cannot be reached the cached list is returned along with the error.
func (s *Session) Threads(ctx context.Context) ([]chatkit.Thread, error) {
	placement := s.Placement()
	threads, err := s.gw.ListThreads(ctx, placement, s.threadListLimit)
	if err != nil {
		if s.cache != nil {
			cached, cerr := s.cache.Threads(ctx, placement, s.threadListLimit)
			if cerr == nil && len(cached) > 0 {
				return cached, err
			}
		}
		return nil, err
	}
	s.rememberThreads(ctx, threads...)
	return threads, nil
}

// KnownThreads returns the threads seen so far without a network call.
func (s *Session) KnownThreads() []chatkit.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.threads)
}

// Submit sends content on the selected thread and returns its client id.
func (s *Session) Submit(ctx context.Context, content string) (string, error) {
	return s.engine.Submit(ctx, content)
}

// Retry resends a failed message with its original client id.
func (s *Session) Retry(ctx context.Context, clientID string) error {
	return s.engine.Retry(ctx, clientID)
}

// Reconnect drops the socket and dials again with a fresh attempt count.
// An expired credential is renewed first.
func (s *Session) Reconnect(ctx context.Context) error {
	if cred, ok := s.creds.Credential(); !ok || cred.Expired(time.Now()) {
		if err := s.creds.Start(ctx, session.Options{Mode: session.ModeRefresh}); err != nil {
			return fmt.Errorf("renewing credential: %w", err)
		}
	}
	s.authTried.Store(false)
	return s.conn.Reconnect(ctx)
}

// CanSubmit reports whether a new message would be accepted. It is false
// when no thread is selected, or when sends are being queued and the queue
// is full.
func (s *Session) CanSubmit() bool {
	return s.engine.ThreadID() != "" && !s.conn.QueueFull()
}

// Transcript returns the merged transcript of the selected thread.
func (s *Session) Transcript() []chatkit.Message {
	return s.engine.Transcript()
}

// ThreadID returns the selected thread.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Placement returns the current placement.
func (s *Session) Placement() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placement
}

// Credentials returns the session manager's state.
func (s *Session) Credentials() session.State {
	return s.creds.State()
}

// Health returns the connection health.
func (s *Session) Health() connection.Health {
	return s.conn.Health()
}

// Errors returns the connection's recent errors, oldest first.
func (s *Session) Errors() []connection.ErrorState {
	return s.conn.Errors()
}

// ClearErrors empties the connection's error list.
func (s *Session) ClearErrors() {
	s.conn.ClearErrors()
}

// Metrics returns the connection counters.
func (s *Session) Metrics() connection.Metrics {
	return s.conn.Metrics()
}

// Close stops the event loop, the socket and the renewal timer. The cache is
// left open for its owner to close.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()
	s.creds.Close()
	s.wg.Wait()
	s.logger.Debug("chat session closed")
}

// Deliver implements transcript.Deliverer. A message goes over HTTP only
// while the socket is open with nothing queued ahead of it; otherwise it
// joins the socket queue so earlier messages keep their order.
func (s *Session) Deliver(ctx context.Context, threadID, clientID, content string) (transcript.Receipt, error) {
	if s.conn.Ready() {
		msg, err := s.gw.PostMessage(ctx, threadID, clientID, content, chatkit.RoleUser)
		if err != nil {
			return transcript.Receipt{}, err
		}
		s.cacheMessages(ctx, *msg)
		return transcript.Receipt{Message: msg}, nil
	}

	_, err := s.conn.Send(connection.Outbound{
		ClientID: clientID,
		ThreadID: threadID,
		Role:     chatkit.RoleUser,
		Content:  content,
	})
	if errors.Is(err, connection.ErrQueueFull) {
		return transcript.Receipt{}, fmt.Errorf("%w: %w", transcript.ErrRejected, err)
	}
	if err != nil {
		return transcript.Receipt{}, err
	}
	return transcript.Receipt{Queued: true}, nil
}

// History implements transcript.HistoryFetcher, writing results through to
// the cache.
func (s *Session) History(ctx context.Context, threadID string, limit int) ([]chatkit.Message, error) {
	msgs, err := s.gw.History(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	s.cacheMessages(ctx, msgs...)
	return msgs, nil
}

// activate makes threadID the selected thread across every component.
func (s *Session) activate(ctx context.Context, threadID string, reconnect bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.threadID = threadID
	placement := s.placement
	s.mu.Unlock()

	s.logger.Info("opening thread", "thread_id", threadID, "placement", placement)

	if prev := s.engine.ThreadID(); prev != "" && prev != threadID {
		// Queued messages belong to the previous thread's transcript, which
		// is about to be dropped.
		if n := s.conn.ResetQueue(); n > 0 {
			s.logger.Warn("dropped unsent messages of previous thread", "thread_id", prev, "count", n)
		}
	}
	s.engine.SwitchThread(threadID)
	s.loadCached(ctx, threadID)

	opts := session.Options{Placement: &placement, ThreadID: &threadID, Mode: session.ModeInitial}
	if err := s.creds.Start(ctx, opts); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	s.authTried.Store(false)
	var connErr error
	if reconnect {
		connErr = s.conn.Reconnect(ctx)
	} else {
		connErr = s.conn.Connect(ctx)
	}
	if connErr != nil {
		s.logger.Warn("connection not open yet", "thread_id", threadID, "error", connErr)
	}

	if err := s.engine.LoadHistory(ctx); err != nil {
		return errors.Join(err, connErr)
	}
	if connErr != nil {
		return fmt.Errorf("connecting: %w", connErr)
	}
	return nil
}

// pickThread returns the placement's most recent thread, creating one when
// it has none.
func (s *Session) pickThread(ctx context.Context) (*chatkit.Thread, error) {
	threads, err := s.Threads(ctx)
	if err != nil && len(threads) == 0 {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	if len(threads) > 0 {
		return &threads[0], nil
	}

	t, err := s.gw.CreateThread(ctx, s.Placement(), nil)
	if err != nil {
		return nil, err
	}
	s.rememberThreads(ctx, *t)
	return t, nil
}

func (s *Session) loadCached(ctx context.Context, threadID string) {
	if s.cache == nil {
		return
	}
	msgs, err := s.cache.Messages(ctx, threadID, s.historyLimit)
	if err != nil {
		s.logger.Warn("reading cached messages", "thread_id", threadID, "error", err)
		return
	}
	if len(msgs) > 0 {
		s.engine.SetHistory(threadID, msgs)
	}
}

func (s *Session) cacheMessages(ctx context.Context, msgs ...chatkit.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.SaveMessages(ctx, msgs); err != nil {
		s.logger.Warn("caching messages", "count", len(msgs), "error", err)
	}
}

// rememberThreads merges threads into the known list and the cache.
func (s *Session) rememberThreads(ctx context.Context, threads ...chatkit.Thread) {
	s.mu.Lock()
	for _, t := range threads {
		if t.Placement != "" && t.Placement != s.placement {
			continue
		}
		i := slices.IndexFunc(s.threads, func(k chatkit.Thread) bool { return k.ID == t.ID })
		if i >= 0 {
			s.threads[i] = t
		} else {
			s.threads = append(s.threads, t)
		}
	}
	slices.SortStableFunc(s.threads, func(a, b chatkit.Thread) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveThreads(ctx, threads); err != nil {
			s.logger.Warn("caching threads", "count", len(threads), "error", err)
		}
	}
}
