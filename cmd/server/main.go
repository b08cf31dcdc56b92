package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/app"
	"chat-gateway/internal/config"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("failed to load config", zap.Error(err))
		return err
	}
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build gateway", zap.Error(err))
		return err
	}

	srv, err := server.New(a.Gateway,
		server.WithLogger(logger.Named("http")),
		server.WithSecureCookie(!cfg.Development()),
		server.WithCookieTTL(cfg.SessionTTL),
	)
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Close(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("gateway close incomplete", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}
