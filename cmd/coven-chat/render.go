// ABOUTME: Terminal rendering of transcript changes, connection indicator and notices
// ABOUTME: Prints each message once and again only when its delivery state changes

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/connection"
)

// printer serialises all terminal output from callbacks and the repl.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	shown map[string]string // message key -> last printed state
	label string
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:     w,
		shown: make(map[string]string),
	}
}

// messageKey follows a message from its optimistic entry to its confirmed copy.
func messageKey(m chatkit.Message) string {
	if m.ClientID != "" {
		return "c:" + m.ClientID
	}
	return "m:" + m.ID
}

func messageState(m chatkit.Message) string {
	switch {
	case m.Status == chatkit.StatusError:
		return "error:" + m.Error
	case m.Confirmed():
		return "confirmed"
	default:
		return string(m.Status)
	}
}

func (p *printer) transcript(msgs []chatkit.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		key := messageKey(m)
		state := messageState(m)
		prev, seen := p.shown[key]
		if seen && prev == state {
			continue
		}
		p.shown[key] = state

		switch {
		case !seen:
			p.printMessage(m)
		case m.Status == chatkit.StatusError:
			p.printFailure(m)
		case m.Confirmed() && prev != "confirmed":
			color.New(color.FgHiBlack).Fprintf(p.w, "  delivered %s\n", shortID(m.ClientID))
		}
	}
}

func (p *printer) printMessage(m chatkit.Message) {
	ts := color.HiBlackString(m.CreatedAt.Local().Format("15:04:05"))
	switch m.Role {
	case chatkit.RoleUser:
		suffix := ""
		if m.Status == chatkit.StatusSending {
			suffix = color.HiBlackString(" (sending)")
		}
		fmt.Fprintf(p.w, "%s %s %s%s\n", ts, color.GreenString("you:"), m.Content, suffix)
	case chatkit.RoleSystem:
		fmt.Fprintf(p.w, "%s %s\n", ts, color.HiBlackString(m.Content))
	default:
		fmt.Fprintf(p.w, "%s %s %s\n", ts, color.CyanString(string(m.Role)+":"), m.Content)
	}
	if m.Status == chatkit.StatusError {
		p.printFailure(m)
	}
}

func (p *printer) printFailure(m chatkit.Message) {
	color.New(color.FgRed).Fprintf(p.w, "  failed: %s (retry with /retry %s)\n", m.Error, shortID(m.ClientID))
}

// indicator prints a line whenever the label changes.
func (p *printer) indicator(ind chat.Indicator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ind.Label == p.label {
		return
	}
	p.label = ind.Label
	qualityColor(ind).Fprintf(p.w, "[connection] %s\n", ind.Label)
}

// status prints the full indicator on request.
func (p *printer) status(ind chat.Indicator, threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := qualityColor(ind)
	c.Fprintf(p.w, "%s", ind.Label)
	fmt.Fprintf(p.w, " | quality %s | latency %dms | queue %d/%d",
		ind.Quality, ind.LatencyMs, ind.QueueDepth, ind.QueueCapacity)
	if ind.ReconnectAttempts > 0 {
		fmt.Fprintf(p.w, " | attempt %d", ind.ReconnectAttempts)
	}
	fmt.Fprintf(p.w, " | token expires in %ds\n", ind.ExpiresIn)
	fmt.Fprintf(p.w, "thread %s\n", threadID)
	if !ind.CanSubmit {
		color.New(color.FgYellow).Fprintln(p.w, "queue is full; wait for the connection or /reconnect")
	}
}

func qualityColor(ind chat.Indicator) *color.Color {
	if ind.Status != connection.StatusOpen {
		if ind.Status == connection.StatusConnecting {
			return color.New(color.FgYellow)
		}
		return color.New(color.FgRed)
	}
	switch ind.Quality {
	case connection.QualityExcellent, connection.QualityGood:
		return color.New(color.FgGreen)
	case connection.QualityPoor:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func (p *printer) errorf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[error] %s\n", fmt.Sprintf(format, args...))
}

func (p *printer) warnf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgYellow).Fprintf(p.w, "[warn] %s\n", fmt.Sprintf(format, args...))
}

func (p *printer) notef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgHiBlack).Fprintf(p.w, "%s\n", fmt.Sprintf(format, args...))
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
