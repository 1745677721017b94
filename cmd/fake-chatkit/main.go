// ABOUTME: Local fake chat gateway for developing against coven-chat without a real backend.
// ABOUTME: Usage: fake-chatkit [-addr :8080] [-echo] [-ttl 10m] [-seed web]
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chatkit"
	"github.com/2389/coven-chat/internal/gatewaytest"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	secret := flag.String("secret", "", "HMAC secret for chat tokens (random when empty)")
	apiToken := flag.String("api-token", "", "Bearer required on HTTP endpoints (none when empty)")
	ttl := flag.Duration("ttl", gatewaytest.DefaultTokenTTL, "Chat token lifetime")
	echo := flag.Bool("echo", true, "Answer every user message with an assistant echo")
	bare := flag.Bool("bare-events", false, "Leave client_id out of socket message events")
	seed := flag.String("seed", "", "Create an initial thread under this placement")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := gatewaytest.Options{
		APIToken:   *apiToken,
		TokenTTL:   *ttl,
		Echo:       *echo,
		BareEvents: *bare,
		Logger:     logger,
	}
	if *secret != "" {
		opts.Secret = []byte(*secret)
	}

	if err := run(*addr, opts, *seed, logger); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, opts gatewaytest.Options, seed string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw := gatewaytest.New(opts)
	if seed != "" {
		t := gw.AddThread(seed, "Welcome")
		gw.Push(t.ID, chatkit.RoleAssistant, "Hi! This is the fake gateway. Say something.")
		logger.Info("seeded thread", "thread_id", t.ID, "placement", seed)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	green := color.New(color.FgGreen)
	green.Printf("fake-chatkit listening on %s\n", addr)
	color.New(color.FgHiBlack).Printf("    token ttl: %s, echo: %t\n", opts.TokenTTL, opts.Echo)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	gw.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
