// ABOUTME: Connection event loop feeding the transcript, thread list and indicator
// ABOUTME: Auth rejections trigger one credential refresh and reconnect per open

package chat

import (
	"context"

	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/connection"
	"github.com/2389/coven-chat/internal/session"
)

func (s *Session) consume(ctx context.Context, events <-chan connection.Event) {
	defer s.wg.Done()

	for ev := range events {
		switch ev.Kind {
		case connection.EventMessage:
			s.handleMessage(ctx, *ev.Message)
		case connection.EventThread:
			s.handleThread(ctx, *ev.Thread)
		case connection.EventError:
			if ev.Error.Type == connection.ErrorAuth {
				s.recoverAuth(ctx)
			}
		case connection.EventHealth:
			if ev.Health.Status == connection.StatusOpen {
				s.authTried.Store(false)
			}
			s.emitIndicator()
		case connection.EventQueue:
			s.emitIndicator()
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg chatkit.Message) {
	if !s.engine.Ingest(msg) {
		s.logger.Debug("ignoring message for another thread", "thread_id", msg.ThreadID, "message_id", msg.ID)
		return
	}
	s.cacheMessages(ctx, msg)
}

func (s *Session) handleThread(ctx context.Context, t chatkit.Thread) {
	s.rememberThreads(ctx, t)
	if s.onThread != nil {
		s.onThread(t)
	}
}

// recoverAuth renews the credential and reconnects once. A second rejection
// before the socket opens is left for the user to act on.
func (s *Session) recoverAuth(ctx context.Context) {
	if !s.authTried.CompareAndSwap(false, true) {
		s.logger.Warn("gateway rejected renewed credential; not retrying")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, authRecoveryTimeout)
		defer cancel()

		s.logger.Info("gateway rejected credential, refreshing")
		if err := s.creds.Start(ctx, session.Options{Mode: session.ModeRefresh}); err != nil {
			s.logger.Warn("credential refresh after rejection failed", "error", err)
			return
		}
		if err := s.conn.Reconnect(ctx); err != nil {
			s.logger.Warn("reconnect after credential refresh failed", "error", err)
		}
	}()
}
