// ABOUTME: In-process fake chat gateway serving the token, thread, history, message and socket endpoints
// ABOUTME: Signs real JWT chat credentials and exposes knobs for failures, drops and replays

package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chatkit"
)

// Defaults for Options fields left at zero.
const (
	DefaultTokenTTL  = 10 * time.Minute
	DefaultPlacement = "default"
	writeTimeout     = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	// APIToken, if set, is required as bearer on the HTTP endpoints.
	APIToken string
	// Secret signs chat credentials. A random secret is used when empty.
	Secret       []byte
	TokenTTL     time.Duration
	AllowedTools []string
	// OmitExpiresAt leaves expires_at out of token responses so clients
	// must read the exp claim.
	OmitExpiresAt bool
	// Echo makes the gateway answer every user message with an assistant
	// message.
	Echo bool
	// BareEvents leaves client_id out of chat.message frames on the socket,
	// like gateways whose events carry only id, thread, role, content and
	// creation time. HTTP responses keep it.
	BareEvents bool
	Logger     *slog.Logger
}

// Server is a fake gateway. It implements http.Handler.
type Server struct {
	opts   Options
	signer *auth.Signer
	logger *slog.Logger
	mux    *http.ServeMux

	mu            sync.Mutex
	threads       map[string]*chatkit.Thread
	messages      map[string][]chatkit.Message
	byClient      map[string]chatkit.Message
	sockets       map[*socket]struct{}
	tokenCalls    int
	failTokens    int
	rejectSockets bool
	socketDials   int
	replay        int
	now           func() time.Time
}

type socket struct {
	conn      *websocket.Conn
	threadID  string
	placement string
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte(uuid.New().String())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:     opts,
		signer:   auth.NewSigner(opts.Secret),
		logger:   logger.With("component", "fake-gateway"),
		threads:  make(map[string]*chatkit.Thread),
		messages: make(map[string][]chatkit.Message),
		byClient: make(map[string]chatkit.Message),
		sockets:  make(map[*socket]struct{}),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chatkit/token", s.requireAPIToken(s.handleToken))
	mux.HandleFunc("GET /threads", s.requireAPIToken(s.handleListThreads))
	mux.HandleFunc("POST /threads", s.requireAPIToken(s.handleCreateThread))
	mux.HandleFunc("GET /threads/{id}/events", s.requireAPIToken(s.handleHistory))
	mux.HandleFunc("POST /threads/{id}/messages", s.requireAPIToken(s.handlePostMessage))
	mux.HandleFunc("GET /ws", s.handleSocket)
	s.mux = mux

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Signer exposes the credential signer so tests can mint tokens directly.
func (s *Server) Signer() *auth.Signer {
	return s.signer
}

// AddThread seeds a thread and returns it.
func (s *Server) AddThread(placement, title string) chatkit.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.createThreadLocked(placement, map[string]any{"title": title})
}

// Messages returns the stored messages of threadID in creation order.
func (s *Server) Messages(threadID string) []chatkit.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[threadID])
}

// Push stores a message as if another participant sent it and broadcasts
// it to every socket on the thread.
func (s *Server) Push(threadID string, role chatkit.Role, content string) chatkit.Message {
	s.mu.Lock()
	msg := s.appendLocked(threadID, "", role, content)
	var thread *chatkit.Thread
	if t, ok := s.threads[threadID]; ok {
		copied := *t
		thread = &copied
	}
	targets := s.socketsLocked(threadID)
	s.mu.Unlock()

	s.broadcast(targets, &chatkit.Frame{Type: chatkit.FrameChatMessage, Message: &msg})
	if thread != nil {
		s.broadcast(targets, &chatkit.Frame{Type: chatkit.FrameThreadUpdated, Thread: thread})
	}
	return msg
}

// FailNextTokens makes the next n token requests fail with 500.
func (s *Server) FailNextTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTokens = n
}

// RejectSockets makes socket handshakes fail with 401 while set.
func (s *Server) RejectSockets(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSockets = reject
}

// ReplayOnConnect sends the last n messages of the thread to every new
// socket, mimicking a gateway that replays after reconnect.
func (s *Server) ReplayOnConnect(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay = n
}

// TokenCalls returns how many token requests were served.
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// SocketDials returns how many socket handshakes were attempted.
func (s *Server) SocketDials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketDials
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// DropConnections closes every socket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	all := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		all = append(all, sock)
	}
	s.mu.Unlock()

	for _, sock := range all {
		_ = sock.conn.CloseNow()
	}
}

// Close ends every socket with a going-away status.
func (s *Server) Close() {
	s.mu.Lock()
	all := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		all = append(all, sock)
	}
	s.mu.Unlock()

	for _, sock := range all {
		_ = sock.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (s *Server) requireAPIToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIToken != "" && bearer(r) != s.opts.APIToken {
			sendJSONError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		next(w, r)
	}
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

type tokenResponse struct {
	Token        string   `json:"token"`
	Placement    string   `json:"placement"`
	ThreadID     string   `json:"thread_id,omitempty"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	placement := r.URL.Query().Get("placement")
	if placement == "" {
		placement = DefaultPlacement
	}
	threadID := r.URL.Query().Get("thread_id")

	s.mu.Lock()
	s.tokenCalls++
	fail := s.failTokens > 0
	if fail {
		s.failTokens--
	}
	_, known := s.threads[threadID]
	s.mu.Unlock()

	if fail {
		sendJSONError(w, http.StatusInternalServerError, "token service unavailable")
		return
	}
	if threadID != "" && !known {
		sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}

	token, exp, err := s.signer.Issue("chat-user", placement, threadID, s.opts.AllowedTools, s.opts.TokenTTL)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := tokenResponse{
		Token:        token,
		Placement:    placement,
		ThreadID:     threadID,
		AllowedTools: s.opts.AllowedTools,
	}
	if !s.opts.OmitExpiresAt {
		resp.ExpiresAt = exp.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	placement := r.URL.Query().Get("placement")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	threads := make([]chatkit.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if placement == "" || t.Placement == placement {
			threads = append(threads, *t)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(threads, func(a, b chatkit.Thread) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	writeJSON(w, http.StatusOK, threads)
}

type createThreadRequest struct {
	Placement string         `json:"placement"`
	Context   map[string]any `json:"context"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Placement == "" {
		req.Placement = DefaultPlacement
	}

	s.mu.Lock()
	t := *s.createThreadLocked(req.Placement, req.Context)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	_, ok := s.threads[threadID]
	msgs := slices.Clone(s.messages[threadID])
	s.mu.Unlock()

	if !ok {
		sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []chatkit.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	Content  string       `json:"content"`
	Role     chatkit.Role `json:"role"`
	ClientID string       `json:"client_id"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.ClientID = key
	}

	msg, err := s.accept(threadID, req.ClientID, req.Role, req.Content)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

var errUnknownThread = errors.New("thread not found")

// accept stores a user message once per client id and broadcasts it.
func (s *Server) accept(threadID, clientID string, role chatkit.Role, content string) (chatkit.Message, error) {
	if role == "" {
		role = chatkit.RoleUser
	}

	s.mu.Lock()
	if _, ok := s.threads[threadID]; !ok {
		s.mu.Unlock()
		return chatkit.Message{}, errUnknownThread
	}
	if clientID != "" {
		if existing, dup := s.byClient[clientID]; dup {
			s.mu.Unlock()
			return existing, nil
		}
	}
	msg := s.appendLocked(threadID, clientID, role, content)
	thread := *s.threads[threadID]
	var reply *chatkit.Message
	if s.opts.Echo && role == chatkit.RoleUser {
		r := s.appendLocked(threadID, "", chatkit.RoleAssistant, "echo: "+content)
		reply = &r
	}
	targets := s.socketsLocked(threadID)
	s.mu.Unlock()

	s.broadcast(targets, &chatkit.Frame{Type: chatkit.FrameChatMessage, Message: &msg})
	if reply != nil {
		s.broadcast(targets, &chatkit.Frame{Type: chatkit.FrameChatMessage, Message: reply})
	}
	s.broadcast(targets, &chatkit.Frame{Type: chatkit.FrameThreadUpdated, Thread: &thread})
	return msg, nil
}

func (s *Server) createThreadLocked(placement string, ctx map[string]any) *chatkit.Thread {
	t := &chatkit.Thread{
		ID:        "th_" + uuid.New().String()[:8],
		Placement: placement,
		UpdatedAt: s.now().UTC(),
		Context:   ctx,
	}
	if title, ok := ctx["title"].(string); ok {
		t.Title = title
	}
	s.threads[t.ID] = t
	return t
}

func (s *Server) appendLocked(threadID, clientID string, role chatkit.Role, content string) chatkit.Message {
	now := s.now().UTC()
	// Keep creation times strictly increasing so history order is stable.
	if prev := s.messages[threadID]; len(prev) > 0 && !now.After(prev[len(prev)-1].CreatedAt) {
		now = prev[len(prev)-1].CreatedAt.Add(time.Microsecond)
	}
	msg := chatkit.Message{
		ID:        "msg_" + uuid.New().String(),
		ClientID:  clientID,
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	s.messages[threadID] = append(s.messages[threadID], msg)
	if clientID != "" {
		s.byClient[clientID] = msg
	}
	if t, ok := s.threads[threadID]; ok {
		t.UpdatedAt = now
	}
	return msg
}

func (s *Server) socketsLocked(threadID string) []*socket {
	var out []*socket
	for sock := range s.sockets {
		if sock.threadID == threadID {
			out = append(out, sock)
		}
	}
	return out
}

func (s *Server) broadcast(targets []*socket, f *chatkit.Frame) {
	if s.opts.BareEvents && f.Message != nil && f.Message.ClientID != "" {
		bare := *f.Message
		bare.ClientID = ""
		f = &chatkit.Frame{Type: f.Type, Message: &bare, Thread: f.Thread}
	}
	data, err := chatkit.EncodeFrame(f)
	if err != nil {
		s.logger.Error("encoding frame", "error", err)
		return
	}
	for _, sock := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := sock.conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Debug("broadcast write failed", "thread_id", sock.threadID, "error", err)
		}
		cancel()
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.socketDials++
	reject := s.rejectSockets
	s.mu.Unlock()

	if reject {
		sendJSONError(w, http.StatusUnauthorized, "credential rejected")
		return
	}

	claims, err := s.signer.Verify(bearer(r))
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		threadID = claims.ThreadID
	}
	if claims.ThreadID != "" && claims.ThreadID != threadID {
		sendJSONError(w, http.StatusForbidden, "credential is scoped to another thread")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("accepting socket", "error", err)
		return
	}
	sock := &socket{conn: conn, threadID: threadID, placement: claims.Placement}

	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	var replay []chatkit.Message
	if n := s.replay; n > 0 {
		msgs := s.messages[threadID]
		replay = slices.Clone(msgs[max(0, len(msgs)-n):])
	}
	s.mu.Unlock()

	s.logger.Debug("socket connected", "thread_id", threadID, "placement", claims.Placement)

	for i := range replay {
		s.broadcast([]*socket{sock}, &chatkit.Frame{Type: chatkit.FrameChatMessage, Message: &replay[i]})
	}

	s.readLoop(r.Context(), sock)

	s.mu.Lock()
	delete(s.sockets, sock)
	s.mu.Unlock()
	_ = conn.CloseNow()
}

func (s *Server) readLoop(ctx context.Context, sock *socket) {
	for {
		_, data, err := sock.conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := chatkit.DecodeFrame(data)
		if err != nil || f.Type != chatkit.FrameChatSend || f.Message == nil {
			s.logger.Debug("ignoring client frame", "error", err)
			continue
		}
		threadID := f.Message.ThreadID
		if threadID == "" {
			threadID = sock.threadID
		}
		if _, err := s.accept(threadID, f.Message.ClientID, f.Message.Role, f.Message.Content); err != nil {
			s.logger.Debug("rejecting client frame", "thread_id", threadID, "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

