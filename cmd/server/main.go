package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"statehub/internal/access"
	"statehub/internal/config"
	"statehub/internal/hub"
	"statehub/internal/logging"
	"statehub/internal/server"
)

func runGracefulShutdown(srv *server.Server, registry *hub.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, cleaning up")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		if err := registry.Persist(); err != nil {
			slog.Error("failed to persist channel registry", "error", err)
		}
		if err := registry.Close(); err != nil {
			slog.Error("failed to close channels", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("application starting", "env", cfg.AppEnv, "port", cfg.Port)

	gate, err := access.NewGate(filepath.Join(cfg.DataDir, cfg.SecurityFile))
	if err != nil {
		slog.Error("failed to load access keys", "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	registry := hub.NewRegistry(filepath.Join(cfg.DataDir, cfg.RegistryFile), hub.ChannelOptions{
		DataDir:          cfg.DataDir,
		Gate:             gate,
		Clock:            clock,
		SnapshotInterval: cfg.SnapshotInterval,
		StrictDecode:     cfg.StrictDecode,
	})

	if err := registry.LoadFromPersisted(); err != nil {
		slog.Error("failed to load channel registry", "error", err)
		os.Exit(1)
	}
	if _, err := registry.Create(hub.RootEndpoint, cfg.RootChannelName, cfg.RootChannelDescription); err != nil {
		slog.Error("failed to create root channel", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, registry, gate)
	done := runGracefulShutdown(srv, registry)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
}
