// ABOUTME: In-memory transport and dialer fakes for connection manager tests
// ABOUTME: Lets tests inject frames, observe writes and force drops

package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chatkit"
)

var errDropped = errors.New("connection reset by peer")

// fakeTransport is a Transport backed by channels.
type fakeTransport struct {
	inbound chan []byte
	done    chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	closeErr error
	writeErr error
	pingErr  error
	pingWait time.Duration
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closeErr != nil {
			return nil, t.closeErr
		}
		return nil, errDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errDropped
	}
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	wait, err := t.pingWait, t.pingErr
	t.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (t *fakeTransport) Close() error { return t.shut(ErrClosedNormally) }
func (t *fakeTransport) Abort() error { return t.shut(errDropped) }

func (t *fakeTransport) shut(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.closeErr == nil {
		t.closeErr = cause
	}
	close(t.done)
	return nil
}

// drop simulates the network going away.
func (t *fakeTransport) drop() { _ = t.shut(errDropped) }

// peerClose simulates the gateway closing cleanly.
func (t *fakeTransport) peerClose() { _ = t.shut(ErrClosedNormally) }

func (t *fakeTransport) send(f *chatkit.Frame) {
	data, err := chatkit.EncodeFrame(f)
	if err != nil {
		panic(err)
	}
	t.inbound <- data
}

func (t *fakeTransport) written() []*chatkit.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*chatkit.Frame, 0, len(t.writes))
	for _, w := range t.writes {
		f, err := chatkit.DecodeFrame(w)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out transports or scripted errors in order.
type fakeDialer struct {
	mu      sync.Mutex
	errs    []error
	dials   int
	creds   []*chatkit.Credential
	last    *fakeTransport
	failAll error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, cred *chatkit.Credential) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.creds = append(d.creds, cred)
	if d.failAll != nil {
		return nil, d.failAll
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	t := newFakeTransport()
	d.last = t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = err
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// staticCreds is a CredentialSource with a swappable credential.
type staticCreds struct {
	mu   sync.Mutex
	cred *chatkit.Credential
}

func validCreds() *staticCreds {
	return &staticCreds{cred: &chatkit.Credential{
		Token:     "tok-1",
		Placement: "web",
		ThreadID:  "th-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

func (s *staticCreds) Credential() (*chatkit.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.cred != nil
}

func (s *staticCreds) set(c *chatkit.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = c
}
