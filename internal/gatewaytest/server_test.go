// ABOUTME: Tests for the fake gateway HTTP surface using the real chatkit client
// ABOUTME: Token issue, thread lifecycle, idempotent posts and injected failures

package gatewaytest

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chatkit"
)

func newTestServer(t *testing.T, opts Options) (*Server, *chatkit.Client) {
	t.Helper()
	gw := New(opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return gw, chatkit.NewClient(srv.URL, opts.APIToken)
}

func TestServer_TokenIsVerifiable(t *testing.T) {
	gw, client := newTestServer(t, Options{AllowedTools: []string{"search"}})
	thread := gw.AddThread("support", "Billing")

	cred, err := client.Token(t.Context(), "support", thread.ID)
	require.NoError(t, err)

	assert.Equal(t, "support", cred.Placement)
	assert.Equal(t, thread.ID, cred.ThreadID)
	assert.True(t, cred.HasTool("search"))
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), cred.ExpiresAt, 5*time.Second)

	claims, err := gw.Signer().Verify(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, claims.ThreadID)
	assert.Equal(t, 1, gw.TokenCalls())
}

func TestServer_TokenWithoutExpiresAt(t *testing.T) {
	_, client := newTestServer(t, Options{OmitExpiresAt: true, TokenTTL: time.Minute})

	cred, err := client.Token(t.Context(), "web", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), cred.ExpiresAt, 5*time.Second)
}

func TestServer_TokenFailures(t *testing.T) {
	gw, client := newTestServer(t, Options{})

	_, err := client.Token(t.Context(), "web", "th_missing")
	var apiErr *chatkit.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)

	gw.FailNextTokens(1)
	_, err = client.Token(t.Context(), "web", "")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "token service unavailable")

	_, err = client.Token(t.Context(), "web", "")
	require.NoError(t, err)
}

func TestServer_RequiresAPIToken(t *testing.T) {
	gw := New(Options{APIToken: "secret"})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	_, err := chatkit.NewClient(srv.URL, "wrong").ListThreads(t.Context(), "web", 10)
	require.Error(t, err)
	assert.True(t, chatkit.IsUnauthorized(err))

	_, err = chatkit.NewClient(srv.URL, "secret").ListThreads(t.Context(), "web", 10)
	require.NoError(t, err)
}

func TestServer_ThreadsAndHistory(t *testing.T) {
	gw, client := newTestServer(t, Options{Echo: true})

	thread, err := client.CreateThread(t.Context(), "web", map[string]any{"title": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", thread.Title)
	gw.AddThread("other", "Elsewhere")

	threads, err := client.ListThreads(t.Context(), "web", 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, thread.ID, threads[0].ID)

	msg, err := client.PostMessage(t.Context(), thread.ID, "c1", "ping", chatkit.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.ClientID)

	history, err := client.History(t.Context(), thread.ID, 50)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ping", history[0].Content)
	assert.Equal(t, chatkit.RoleAssistant, history[1].Role)
	assert.Equal(t, "echo: ping", history[1].Content)
	assert.True(t, history[0].CreatedAt.Before(history[1].CreatedAt))

	history, err = client.History(t.Context(), thread.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "echo: ping", history[0].Content)
}

func TestServer_PostIsIdempotent(t *testing.T) {
	gw, client := newTestServer(t, Options{})
	thread := gw.AddThread("web", "")

	first, err := client.PostMessage(t.Context(), thread.ID, "c1", "hello", chatkit.RoleUser)
	require.NoError(t, err)
	second, err := client.PostMessage(t.Context(), thread.ID, "c1", "hello", chatkit.RoleUser)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, gw.Messages(thread.ID), 1)
}

func TestServer_UnknownThread(t *testing.T) {
	_, client := newTestServer(t, Options{})

	_, err := client.History(t.Context(), "th_nope", 10)
	var apiErr *chatkit.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)

	_, err = client.PostMessage(t.Context(), "th_nope", "c1", "x", chatkit.RoleUser)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}
