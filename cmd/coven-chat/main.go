// ABOUTME: Terminal chat client for a chat gateway with resilient realtime delivery
// ABOUTME: Loads config, opens the chat session and runs the interactive loop

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/connection"
	"github.com/2389/coven-chat/internal/store"
)

// Version is set at build time.
var version = "dev"

// credentialWatchInterval is how often the credential state is checked for
// renewal failures worth reporting.
const credentialWatchInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", config.Path(), "Path to config file (YAML or TOML)")
	placement := flag.String("placement", "", "Placement to chat in (overrides config)")
	threadID := flag.String("thread", "", "Thread ID to open (overrides config)")
	cachePath := flag.String("cache", "", "SQLite transcript cache path (overrides config)")
	noCache := flag.Bool("no-cache", false, "Disable the local transcript cache")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coven-chat %s\n", version)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *placement != "" {
		cfg.Chat.Placement = *placement
	}
	if *threadID != "" {
		cfg.Chat.ThreadID = *threadID
	}
	if *cachePath != "" {
		cfg.Cache.Path = *cachePath
	}
	if *noCache {
		cfg.Cache.Path = ""
	}

	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cache store.Cache
	if cfg.Cache.Path != "" {
		path, err := expandHome(cfg.Cache.Path)
		if err != nil {
			return err
		}
		sqlite, err := store.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		defer sqlite.Close()
		cache = sqlite
	}

	out := newPrinter(os.Stdout)
	sess, err := chat.New(chat.Config{
		Gateway:         chatkit.NewClient(cfg.Gateway.URL, cfg.Gateway.APIToken),
		Dialer:          &connection.WebSocketDialer{},
		Connection:      connectionConfig(cfg, logger),
		Placement:       cfg.Chat.Placement,
		ThreadID:        cfg.Chat.ThreadID,
		RefreshLead:     cfg.Session.RefreshLead,
		MinRefreshDelay: cfg.Session.MinRefreshDelay,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		Cache:           cache,
		OnTranscript:    out.transcript,
		OnIndicator:     out.indicator,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Printf("coven-chat %s\n", version)
	gray.Printf("    gateway:   %s\n", cfg.Gateway.URL)
	gray.Printf("    placement: %s\n", cfg.Chat.Placement)
	if cfg.Gateway.APIToken != "" {
		gray.Println("    auth:      API token configured")
	} else {
		gray.Println("    auth:      none (set COVEN_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if err := sess.Open(ctx); err != nil {
		if sess.ThreadID() == "" {
			return fmt.Errorf("opening chat: %w", err)
		}
		out.errorf("%v (use /reconnect to try again)", err)
	}
	out.notef("thread %s", sess.ThreadID())

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	lines := make(chan string)
	go readLines(ctx, os.Stdin, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return repl(gctx, sess, out, lines)
	})
	g.Go(func() error {
		return watchCredential(gctx, sess, out)
	})
	return g.Wait()
}

func connectionConfig(cfg *config.Config, logger *slog.Logger) connection.Config {
	cc := connection.DefaultConfig(cfg.SocketURL())
	cc.AutoReconnect = cfg.Connection.Reconnect()
	cc.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts
	cc.Backoff = connection.Backoff{
		Base:       cfg.Connection.BackoffBase,
		Max:        cfg.Connection.BackoffMax,
		Multiplier: cfg.Connection.BackoffMultiplier,
		Jitter:     cfg.Connection.BackoffJitter,
	}
	cc.HeartbeatInterval = cfg.Connection.HeartbeatInterval
	cc.HeartbeatTimeout = cfg.Connection.HeartbeatTimeout
	cc.QueueCapacity = cfg.Connection.QueueCapacity
	cc.MaxErrors = cfg.Connection.MaxErrors
	cc.Logger = logger
	return cc
}

// readLines forwards stdin lines until EOF. The channel is closed on EOF.
func readLines(ctx context.Context, r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// watchCredential reports credential renewal failures once each.
func watchCredential(ctx context.Context, sess *chat.Session, out *printer) error {
	ticker := time.NewTicker(credentialWatchInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		st := sess.Credentials()
		msg := ""
		if st.Err != nil {
			msg = st.Err.Error()
		}
		if msg != "" && msg != last {
			if st.Credential != nil {
				out.warnf("credential refresh failed, still using current token: %s", msg)
			} else {
				out.errorf("no chat credential: %s", msg)
			}
		}
		last = msg
	}
}

// expandHome resolves a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
