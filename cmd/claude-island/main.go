package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/M4TTRX/claude-island/internal/config"
	"github.com/M4TTRX/claude-island/internal/hooks"
	"github.com/M4TTRX/claude-island/internal/session"
	"github.com/M4TTRX/claude-island/internal/store"
	"github.com/M4TTRX/claude-island/internal/transcript"
	"github.com/M4TTRX/claude-island/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	defer db.Close()

	server := hooks.NewServer(hooks.Options{
		SocketPath:        cfg.Socket.Path,
		PermissionTimeout: cfg.Socket.PermissionTimeout,
		ReadBudget:        cfg.Socket.ReadBudget,
		ReadPollInterval:  cfg.Socket.ReadPollInterval,
		BindMaxAttempts:   cfg.Socket.BindMaxAttempts,
		BindInitialDelay:  cfg.Socket.BindInitialDelay,
		BindMaxDelay:      cfg.Socket.BindMaxDelay,
		Logger:            logger,
	})

	monitor := session.NewMonitor(session.MonitorOptions{
		Responder:      server,
		Parser:         transcript.NewParser(logger),
		Store:          db,
		TranscriptRoot: cfg.Transcript.Root,
		Logger:         logger,
	})

	if err := server.Start(monitor.HandleEvent, monitor.HandlePermissionFailure); err != nil {
		logger.Fatal().Err(err).Msg("failed to start hook server")
	}

	handler := web.NewHandler(monitor, server, db, logger)
	srv := &http.Server{
		Handler:      handler.Router(),
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Idle session sweep
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Session.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupDone:
				return
			case <-ticker.C:
				monitor.CleanupIdleSessions(cfg.Session.IdleTimeout)
			}
		}
	}()

	// Handle graceful shutdown
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		close(cleanupDone)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("could not gracefully shutdown the HTTP server")
		}
		server.Stop()
		monitor.Close()
		close(done)
	}()

	logger.Info().
		Str("socket", cfg.Socket.Path).
		Int("port", cfg.Server.Port).
		Dur("permission_timeout", cfg.Socket.PermissionTimeout).
		Msg("claude-island started")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("HTTP server failed")
	}

	<-done
	logger.Info().Msg("stopped")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
