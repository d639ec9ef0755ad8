// Command node runs a shellfleet agent node: the PTY session engine, the
// terminal client WebSocket endpoint, and the link that keeps the node under
// the control hub's authority.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shellfleet/shellfleet/internal/auth"
	"github.com/shellfleet/shellfleet/internal/bridge"
	"github.com/shellfleet/shellfleet/internal/config"
	"github.com/shellfleet/shellfleet/internal/logging"
	"github.com/shellfleet/shellfleet/internal/nodelink"
	"github.com/shellfleet/shellfleet/internal/pty"
	"github.com/shellfleet/shellfleet/internal/session"
)

func main() {
	logging.Setup("node")

	cfg, err := config.LoadNode()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var verifier *auth.Verifier
	if cfg.JWKSEndpoint != "" {
		verifier, err = auth.NewVerifier(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			slog.Error("Failed to initialise JWT verifier", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No JWKS endpoint configured, clients are identified by address only")
	}

	// The bridge implements the registry's Broadcaster; the two reference
	// each other, so the bridge is wired in after construction.
	var b *bridge.Bridge
	registry := session.NewRegistry(session.Config{
		Shell:             cfg.DefaultShell,
		WorkDir:           cfg.WorkDir,
		DefaultRows:       uint16(cfg.DefaultRows),
		DefaultCols:       uint16(cfg.DefaultCols),
		ReplayBufferSize:  cfg.ReplayBufferSize,
		CloseGracePeriod:  cfg.CloseGracePeriod,
		AutoCloseOnDetach: cfg.AutoCloseOnDetach,
	}, pty.NewStarter(), broadcasterFunc(func(id string, data []byte) {
		b.Broadcast(id, data)
	}))

	b = bridge.New(registry, verifier, bridge.Config{
		AllowedOrigins:  cfg.AllowedOrigins,
		SendQueueSize:   cfg.ClientSendQueue,
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBuffer,
	})

	var link *nodelink.Link
	if cfg.HubURL != "" {
		link, err = nodelink.New(nodelink.Config{
			NodeID:                cfg.NodeID,
			HubURL:                cfg.HubURL,
			Capabilities:          []string{"pty", "block"},
			HeartbeatInterval:     cfg.HeartbeatInterval,
			SessionUpdateInterval: cfg.SessionUpdateInterval,
		}, registry)
		if err != nil {
			slog.Error("Failed to create hub link", "error", err)
			os.Exit(1)
		}
		link.Start()
	} else {
		slog.Warn("No hub configured, node runs standalone")
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/terminal/ws", b.HandleTerminalWS)
	r.Post("/sessions/{id}/unblock-request", func(w http.ResponseWriter, req *http.Request) {
		if link == nil {
			http.Error(w, "no hub configured", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(req, "id")
		var body struct {
			UserAction string `json:"user_action"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		if err := link.RequestUnblock(id, body.UserAction); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Agent node listening", "addr", cfg.ListenAddr, "node", cfg.NodeID)
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
	if link != nil {
		link.Stop()
	}
	registry.CloseAll("node shutdown")
}

// broadcasterFunc adapts a function to session.Broadcaster, breaking the
// construction cycle between the registry and the bridge.
type broadcasterFunc func(sessionID string, data []byte)

func (f broadcasterFunc) Broadcast(sessionID string, data []byte) {
	f(sessionID, data)
}
