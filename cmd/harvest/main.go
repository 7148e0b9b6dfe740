package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/harvest/api"
	"github.com/use-agent/harvest/browser"
	"github.com/use-agent/harvest/bus"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/extractor"
	"github.com/use-agent/harvest/hub"
	"github.com/use-agent/harvest/store"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("harvest starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"store", cfg.Store.Backend,
		"recordCap", cfg.Session.RecordCap,
	)

	// ── 3. Open the progress store ──────────────────────────────────
	st, err := store.Open(cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// ── 4. Message bus, optionally mirrored to NATS ─────────────────
	var mirror bus.Mirror
	if cfg.Bus.NATSURL != "" {
		nm, err := bus.NewNATSMirror(cfg.Bus.NATSURL, cfg.Bus.Subject)
		if err != nil {
			slog.Warn("NATS mirror disabled", "url", cfg.Bus.NATSURL, "error", err)
		} else {
			defer nm.Close()
			mirror = nm
		}
	}
	b := bus.NewLocal(mirror)

	// ── 5. Detail extractor ─────────────────────────────────────────
	ex, err := extractor.New(cfg.Selectors.ExtractMode)
	if err != nil {
		slog.Error("invalid extractor", "mode", cfg.Selectors.ExtractMode, "error", err)
		os.Exit(1)
	}

	// ── 6. Launch the browser ───────────────────────────────────────
	host, err := browser.New(cfg.Browser, cfg.Selectors, cfg.Session.NavigationSettle)
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		os.Exit(1)
	}
	defer host.Shutdown()

	// ── 7. Coordinator layer; every page load boots an orchestrator ─
	h := hub.New(cfg.Session, cfg.Report, b, st, host, ex)
	host.OnLoad(func(v *browser.View, sameDocument bool) {
		h.Attach(v, sameDocument)
	})

	if err := h.Recover(context.Background()); err != nil {
		slog.Error("session recovery failed", "error", err)
	}

	// ── 8. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(h, host, cfg)

	// ── 9. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 10. Graceful shutdown ───────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Cycles stop where they are; a running session resumes on next start.
	h.Close()
	b.Wait()
	slog.Info("harvest stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
