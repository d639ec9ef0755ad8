// Command hub runs the shellfleet control hub: the WebSocket endpoint that
// agent nodes and admin consoles connect to, the fleet-wide session mirror,
// and the block command machinery.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shellfleet/shellfleet/internal/auth"
	"github.com/shellfleet/shellfleet/internal/config"
	"github.com/shellfleet/shellfleet/internal/hub"
	"github.com/shellfleet/shellfleet/internal/logging"
	"github.com/shellfleet/shellfleet/internal/store"
)

func main() {
	logging.Setup("hub")

	cfg, err := config.LoadHub()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.HistoryDBPath)
	if err != nil {
		slog.Error("Failed to open history store", "path", cfg.HistoryDBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var verifier *auth.Verifier
	if cfg.JWKSEndpoint != "" {
		verifier, err = auth.NewVerifier(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			slog.Error("Failed to initialise JWT verifier", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No JWKS endpoint configured, admin connections are unauthenticated")
	}

	h := hub.New(hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedHeartbeats:  cfg.MissedHeartbeats,
		SendQueueSize:     cfg.PeerSendQueue,
	}, st)
	h.Start()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Router(verifier),
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Control hub listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	h.Stop()
}
