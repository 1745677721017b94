// ABOUTME: HTTP client for the chat gateway collaborator endpoints
// ABOUTME: Issues tokens, lists/creates threads, fetches history and posts messages

package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/auth"
)

// APIError is returned for non-2xx responses. Body holds the response text so
// callers can show the gateway's own explanation.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401/403 from the gateway.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// Client talks to the gateway's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL. apiToken, if non-empty, is sent as a
// bearer token on every request (this is the app session, not the chat
// credential).
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   apiToken,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// tokenResponse mirrors the token endpoint body. expires_at is kept as a
// string so a missing value can fall back to the token's exp claim.
type tokenResponse struct {
	Token        string   `json:"token"`
	Placement    string   `json:"placement"`
	ThreadID     string   `json:"thread_id"`
	ExpiresAt    string   `json:"expires_at"`
	AllowedTools []string `json:"allowed_tools"`
}

// Token requests a fresh chat credential for placement, optionally scoped to
// threadID.
func (c *Client) Token(ctx context.Context, placement, threadID string) (*Credential, error) {
	q := url.Values{}
	q.Set("placement", placement)
	if threadID != "" {
		q.Set("thread_id", threadID)
	}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodGet, "/chatkit/token?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching token: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("fetching token: empty token in response")
	}

	cred := &Credential{
		Token:        resp.Token,
		Placement:    resp.Placement,
		ThreadID:     resp.ThreadID,
		AllowedTools: resp.AllowedTools,
	}
	if cred.Placement == "" {
		cred.Placement = placement
	}

	if resp.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339Nano, resp.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at %q: %w", resp.ExpiresAt, err)
		}
		cred.ExpiresAt = t
	} else {
		exp, err := auth.ExpiryFromToken(resp.Token)
		if err != nil {
			return nil, fmt.Errorf("token has no expires_at: %w", err)
		}
		cred.ExpiresAt = exp
	}

	return cred, nil
}

// ListThreads returns up to limit threads for placement, most recent first.
func (c *Client) ListThreads(ctx context.Context, placement string, limit int) ([]Thread, error) {
	q := url.Values{}
	q.Set("placement", placement)
	q.Set("limit", strconv.Itoa(limit))

	var threads []Thread
	if err := c.do(ctx, http.MethodGet, "/threads?"+q.Encode(), nil, nil, &threads); err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	return threads, nil
}

type createThreadRequest struct {
	Placement string         `json:"placement"`
	Context   map[string]any `json:"context,omitempty"`
}

// CreateThread creates a new thread under placement.
func (c *Client) CreateThread(ctx context.Context, placement string, threadContext map[string]any) (*Thread, error) {
	var thread Thread
	req := createThreadRequest{Placement: placement, Context: threadContext}
	if err := c.do(ctx, http.MethodPost, "/threads", nil, req, &thread); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	return &thread, nil
}

// History returns up to limit messages of threadID in gateway order.
func (c *Client) History(ctx context.Context, threadID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/threads/%s/events?limit=%d", url.PathEscape(threadID), limit)

	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	return msgs, nil
}

type postMessageRequest struct {
	Content  string `json:"content"`
	Role     Role   `json:"role"`
	ClientID string `json:"client_id,omitempty"`
}

// PostMessage sends content to threadID and returns the server-confirmed
// message. clientID is passed as the Idempotency-Key so a retried post is
// not stored twice.
func (c *Client) PostMessage(ctx context.Context, threadID, clientID, content string, role Role) (*Message, error) {
	path := fmt.Sprintf("/threads/%s/messages", url.PathEscape(threadID))
	header := http.Header{}
	if clientID != "" {
		header.Set("Idempotency-Key", clientID)
	}

	var msg Message
	req := postMessageRequest{Content: content, Role: role, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, path, header, req, &msg); err != nil {
		return nil, fmt.Errorf("posting message: %w", err)
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError, preferring
// a JSON {"error": "..."} message when the gateway sends one.
func handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(data))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			text = errResp.Error
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Body: text}
}
