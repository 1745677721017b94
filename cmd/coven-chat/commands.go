// ABOUTME: Interactive command loop for the chat client
// ABOUTME: Slash commands for threads, retry, reconnect and status; anything else is sent

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/transcript"
)

// errNoFailedMessage is returned by /retry when nothing matches.
var errNoFailedMessage = errors.New("no failed message matches")

func repl(ctx context.Context, sess *chat.Session, out *printer, lines <-chan string) error {
	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}
		if err := dispatch(ctx, sess, out, input); err != nil {
			out.errorf("%v", err)
		}
	}
}

func dispatch(ctx context.Context, sess *chat.Session, out *printer, input string) error {
	if !strings.HasPrefix(input, "/") {
		if !sess.CanSubmit() {
			return errors.New("outbound queue is full while disconnected; try /reconnect")
		}
		_, err := sess.Submit(ctx, input)
		if errors.Is(err, transcript.ErrRejected) {
			return err
		}
		// Other failures are shown on the message itself.
		return nil
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		printHelp(out)
	case "/threads":
		threads, err := sess.Threads(ctx)
		if err != nil && len(threads) == 0 {
			return err
		}
		if err != nil {
			out.warnf("showing cached threads: %v", err)
		}
		printThreads(out, threads, sess.ThreadID())
	case "/new":
		t, err := sess.NewThread(ctx, nil)
		if err != nil {
			return err
		}
		out.notef("created thread %s", t.ID)
	case "/use":
		if arg == "" {
			return errors.New("usage: /use <thread_id>")
		}
		if err := sess.SelectThread(ctx, arg); err != nil {
			return err
		}
		out.notef("now on thread %s", sess.ThreadID())
	case "/placement":
		if arg == "" {
			out.println(sess.Placement())
			return nil
		}
		if err := sess.SetPlacement(ctx, arg); err != nil {
			return err
		}
		out.notef("placement %s, thread %s", sess.Placement(), sess.ThreadID())
	case "/retry":
		clientID, err := findFailed(sess.Transcript(), arg)
		if err != nil {
			return err
		}
		return sess.Retry(ctx, clientID)
	case "/reconnect":
		if !sess.Indicator().CanReconnect {
			out.notef("already connected")
			return nil
		}
		return sess.Reconnect(ctx)
	case "/status":
		out.status(sess.Indicator(), sess.ThreadID())
	case "/errors":
		if arg == "clear" {
			sess.ClearErrors()
			out.notef("connection errors cleared")
			return nil
		}
		errs := sess.Errors()
		if len(errs) == 0 {
			out.notef("no connection errors")
		}
		for _, e := range errs {
			out.println(fmt.Sprintf("%s %-13s %s (recoverable: %t)", e.At.Local().Format("15:04:05"), e.Type, e.Message, e.Recoverable))
		}
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

// findFailed resolves a client id prefix to a failed message. An empty
// prefix picks the most recent failure.
func findFailed(msgs []chatkit.Message, prefix string) (string, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Status != chatkit.StatusError {
			continue
		}
		if strings.HasPrefix(m.ClientID, prefix) {
			return m.ClientID, nil
		}
	}
	return "", errNoFailedMessage
}

func printThreads(out *printer, threads []chatkit.Thread, current string) {
	if len(threads) == 0 {
		out.notef("no threads yet; /new creates one")
		return
	}
	for _, t := range threads {
		marker := " "
		if t.ID == current {
			marker = "*"
		}
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		out.println(fmt.Sprintf("%s %s  %s  %s", marker, t.ID, t.UpdatedAt.Local().Format("2006-01-02 15:04"), title))
	}
}

func printHelp(out *printer) {
	out.println(`Commands:
  /threads           List threads for the current placement
  /new               Start a new thread
  /use <id>          Switch to a thread
  /placement [name]  Show or switch placement
  /retry [id]        Resend a failed message (latest failure by default)
  /reconnect         Reconnect now
  /status            Show connection status
  /errors [clear]    Show or clear recent connection errors
  /help              Show this help
  /quit              Exit`)
}
