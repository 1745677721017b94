// ABOUTME: Tests for the token session manager
// ABOUTME: Covers renewal timing, refresh-never-blanks, failure policy and stale results

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chatkit"
)

// fakeFetcher hands out credentials via a pluggable function and records calls.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string // thread IDs requested
	fn    func(call int, placement, threadID string) (*chatkit.Credential, error)
}

func (f *fakeFetcher) Token(ctx context.Context, placement, threadID string) (*chatkit.Credential, error) {
	f.mu.Lock()
	f.calls = append(f.calls, threadID)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, placement, threadID)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func credFor(placement, threadID, token string, ttl time.Duration) *chatkit.Credential {
	return &chatkit.Credential{
		Token:     token,
		Placement: placement,
		ThreadID:  threadID,
		ExpiresAt: time.Now().Add(ttl),
	}
}

// recorder collects every state the manager publishes.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func strPtr(s string) *string { return &s }

func TestRefreshDelay(t *testing.T) {
	now := time.Now()

	// 60s token: refresh 45s before expiry, i.e. after 15s
	assert.Equal(t, 15*time.Second, RefreshDelay(now, now.Add(60*time.Second), 45*time.Second, 5*time.Second))

	// Short-lived token clamps to the floor
	assert.Equal(t, 5*time.Second, RefreshDelay(now, now.Add(30*time.Second), 45*time.Second, 5*time.Second))

	// Already expired
	assert.Equal(t, 5*time.Second, RefreshDelay(now, now.Add(-time.Minute), 45*time.Second, 5*time.Second))
}

func TestManager_InitialFetch(t *testing.T) {
	f := &fakeFetcher{fn: func(_ int, p, th string) (*chatkit.Credential, error) {
		return credFor(p, th, "tok-1", time.Hour), nil
	}}
	rec := &recorder{}
	m := NewManager(f, Config{Placement: "support", ThreadID: "t1", OnUpdate: rec.record})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))

	st := m.State()
	require.NotNil(t, st.Credential)
	assert.Equal(t, "tok-1", st.Credential.Token)
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)

	states := rec.snapshot()
	require.Len(t, states, 2)
	assert.True(t, states[0].Loading)
	assert.Nil(t, states[0].Credential)
	assert.False(t, states[1].Loading)
	assert.Equal(t, 0, states[0].ExpiresIn)
	assert.InDelta(t, 3600, states[1].ExpiresIn, 2)

	assert.InDelta(t, 3600, st.ExpiresIn, 2)
	assert.InDelta(t, 3600, m.ExpiryCountdown(), 2)
}

func TestManager_InitialFailureClearsCredential(t *testing.T) {
	boom := errors.New("gateway returned status 500: down")
	f := &fakeFetcher{fn: func(call int, p, th string) (*chatkit.Credential, error) {
		if call == 1 {
			return credFor(p, th, "tok-1", time.Hour), nil
		}
		return nil, boom
	}}
	m := NewManager(f, Config{Placement: "support"})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))
	err := m.Start(t.Context(), Options{Mode: ModeInitial})
	require.ErrorIs(t, err, boom)

	st := m.State()
	assert.Nil(t, st.Credential)
	assert.ErrorIs(t, st.Err, boom)
	_, ok := m.Credential()
	assert.False(t, ok)
	assert.Equal(t, 0, m.ExpiryCountdown())
}

func TestManager_RefreshFailureKeepsStaleCredential(t *testing.T) {
	boom := errors.New("network unreachable")
	f := &fakeFetcher{fn: func(call int, p, th string) (*chatkit.Credential, error) {
		if call == 1 {
			return credFor(p, th, "tok-1", time.Hour), nil
		}
		return nil, boom
	}}
	m := NewManager(f, Config{Placement: "support"})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))
	err := m.Start(t.Context(), Options{Mode: ModeRefresh})
	require.ErrorIs(t, err, boom)

	st := m.State()
	require.NotNil(t, st.Credential)
	assert.Equal(t, "tok-1", st.Credential.Token)
	assert.ErrorIs(t, st.Err, boom)
	assert.False(t, st.Refreshing)
}

func TestManager_RefreshNeverBlanksToken(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(call int, p, th string) (*chatkit.Credential, error) {
		if call == 2 {
			<-release
		}
		return credFor(p, th, "tok-"+string(rune('0'+call)), time.Hour), nil
	}}
	rec := &recorder{}
	m := NewManager(f, Config{Placement: "support", OnUpdate: rec.record})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), Options{Mode: ModeRefresh}) }()

	require.Eventually(t, func() bool { return m.State().Refreshing }, time.Second, 5*time.Millisecond)
	// Mid-refresh the old token is still visible
	cred, ok := m.Credential()
	require.True(t, ok)
	assert.Equal(t, "tok-1", cred.Token)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "tok-2", m.State().Credential.Token)

	states := rec.snapshot()
	seenToken := false
	for _, s := range states {
		if s.Credential != nil {
			seenToken = true
		}
		if seenToken {
			assert.NotNil(t, s.Credential, "token blanked during refresh")
		}
	}
}

// Scenario A, scaled down: a token living 600ms with a 450ms lead refreshes
// after roughly 150ms without ever clearing the token.
func TestManager_AutomaticRefresh(t *testing.T) {
	f := &fakeFetcher{fn: func(call int, p, th string) (*chatkit.Credential, error) {
		return credFor(p, th, "tok", 600*time.Millisecond), nil
	}}
	rec := &recorder{}
	m := NewManager(f, Config{
		Placement:       "support",
		ThreadID:        "t1",
		RefreshLead:     450 * time.Millisecond,
		MinRefreshDelay: 20 * time.Millisecond,
		OnUpdate:        rec.record,
	})
	defer m.Close()

	start := time.Now()
	require.NoError(t, m.Start(t.Context(), Options{}))

	require.Eventually(t, func() bool { return f.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		st := m.State()
		return !st.Refreshing && st.Credential != nil
	}, time.Second, 5*time.Millisecond)

	states := rec.snapshot()
	require.NotEmpty(t, states)
	for _, s := range states[1:] {
		assert.NotNil(t, s.Credential)
		assert.NoError(t, s.Err)
	}
}

func TestManager_ThreadSwitchIsInitial(t *testing.T) {
	f := &fakeFetcher{fn: func(_ int, p, th string) (*chatkit.Credential, error) {
		return credFor(p, th, "tok-"+th, time.Hour), nil
	}}
	rec := &recorder{}
	m := NewManager(f, Config{Placement: "support", ThreadID: "t1", OnUpdate: rec.record})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))
	// Refresh mode is overridden by the thread change
	require.NoError(t, m.Start(t.Context(), Options{ThreadID: strPtr("t2"), Mode: ModeRefresh}))

	st := m.State()
	assert.Equal(t, "t2", st.ThreadID)
	assert.Equal(t, "tok-t2", st.Credential.Token)

	states := rec.snapshot()
	require.Len(t, states, 4)
	assert.True(t, states[2].Loading)
	assert.Nil(t, states[2].Credential)
}

func TestManager_StaleResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(_ int, p, th string) (*chatkit.Credential, error) {
		if th == "t1" {
			<-release
		}
		return credFor(p, th, "tok-"+th, time.Hour), nil
	}}
	m := NewManager(f, Config{Placement: "support", ThreadID: "t1"})
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), Options{}) }()
	require.Eventually(t, func() bool { return f.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Start(t.Context(), Options{ThreadID: strPtr("t2")}))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, "tok-t2", m.State().Credential.Token)
}

func TestManager_CloseStopsRenewal(t *testing.T) {
	f := &fakeFetcher{fn: func(_ int, p, th string) (*chatkit.Credential, error) {
		return credFor(p, th, "tok", 100*time.Millisecond), nil
	}}
	m := NewManager(f, Config{
		Placement:       "support",
		RefreshLead:     80 * time.Millisecond,
		MinRefreshDelay: 10 * time.Millisecond,
	})

	require.NoError(t, m.Start(t.Context(), Options{}))
	m.Close()
	m.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.callCount())
	assert.ErrorIs(t, m.Start(t.Context(), Options{}), ErrClosed)
}

func TestManager_SetPlacement(t *testing.T) {
	f := &fakeFetcher{fn: func(_ int, p, th string) (*chatkit.Credential, error) {
		return credFor(p, th, "tok-"+p, time.Hour), nil
	}}
	m := NewManager(f, Config{Placement: "support"})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))
	require.NoError(t, m.SetPlacement(t.Context(), "support"))
	assert.Equal(t, 1, f.callCount())

	require.NoError(t, m.SetPlacement(t.Context(), "onboarding"))
	assert.Equal(t, 2, f.callCount())
	assert.Equal(t, "tok-onboarding", m.State().Credential.Token)
}

func TestManager_StartWithPlacementForcesInitial(t *testing.T) {
	f := &fakeFetcher{fn: func(_ int, p, th string) (*chatkit.Credential, error) {
		return credFor(p, th, "tok-"+p+"-"+th, time.Hour), nil
	}}
	m := NewManager(f, Config{Placement: "support", ThreadID: "t1"})
	defer m.Close()

	require.NoError(t, m.Start(t.Context(), Options{}))

	placement, thread := "sales", "t9"
	require.NoError(t, m.Start(t.Context(), Options{Placement: &placement, ThreadID: &thread, Mode: ModeRefresh}))

	st := m.State()
	assert.Equal(t, "sales", st.Placement)
	assert.Equal(t, "t9", st.ThreadID)
	assert.Equal(t, "tok-sales-t9", st.Credential.Token)
	assert.Equal(t, 2, f.callCount())
}

func TestManager_NotifySkipsOvertakenSnapshots(t *testing.T) {
	rec := &recorder{}
	m := NewManager(&fakeFetcher{}, Config{Placement: "support", OnUpdate: rec.record})
	defer m.Close()

	m.notify(3, State{ThreadID: "newer"})
	m.notify(2, State{ThreadID: "older"})
	m.notify(3, State{ThreadID: "again"})
	m.notify(4, State{ThreadID: "newest"})

	states := rec.snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, "newer", states[0].ThreadID)
	assert.Equal(t, "newest", states[1].ThreadID)
}
