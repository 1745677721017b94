// ABOUTME: Transport abstraction over the gateway socket plus the websocket dialer
// ABOUTME: Bearer-authenticated dial via coder/websocket; 401/403 map to ErrUnauthorized

package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/2389/coven-chat/internal/chatkit"
)

// Transport is one open, message-oriented connection.
type Transport interface {
	// Read blocks for the next frame. It returns ErrClosedNormally when
	// the peer closed cleanly.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Ping performs one round trip and requires a concurrent Read.
	Ping(ctx context.Context) error
	// Close performs a clean close handshake.
	Close() error
	// Abort drops the connection without a handshake.
	Abort() error
}

// Dialer opens a Transport using the credential as bearer.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, cred *chatkit.Credential) (Transport, error)
}

// WebSocketDialer dials the gateway with coder/websocket.
type WebSocketDialer struct {
	// HTTPClient is used for the handshake; nil means http.DefaultClient.
	HTTPClient *http.Client
	// ReadLimit caps a single frame; 0 keeps the library default.
	ReadLimit int64
}

// Dial connects to rawURL, adding thread_id and placement query parameters
// from the credential.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, cred *chatkit.Credential) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	q := u.Query()
	if cred.ThreadID != "" {
		q.Set("thread_id", cred.ThreadID)
	}
	if cred.Placement != "" {
		q.Set("placement", cred.Placement)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, ErrClosedNormally
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *wsTransport) Abort() error {
	return t.conn.CloseNow()
}
