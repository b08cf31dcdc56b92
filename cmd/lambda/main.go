package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"chat-gateway/handler"
	"chat-gateway/internal/app"
	"chat-gateway/internal/config"
	"chat-gateway/internal/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal("failed to load config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if err := cfg.ValidateLambda(); err != nil {
		logger.Error("invalid lambda config", zap.Error(err))
		os.Exit(1)
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build gateway", zap.Error(err))
		os.Exit(1)
	}

	opts := []handler.Option{handler.WithLogger(logger.Named("handler"))}
	if a.Pool != nil {
		opts = append(opts, handler.WithDrain(a.Pool.Wait))
	}
	h, err := handler.NewHandler(a.Gateway, opts...)
	if err != nil {
		logger.Error("failed to create handler", zap.Error(err))
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
