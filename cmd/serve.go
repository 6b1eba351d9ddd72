package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/koopa0/paperbase/api"
	"github.com/koopa0/paperbase/internal/app"
	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/log"
)

// parseRateLimit reads PAPERBASE_RATE_LIMIT (requests per second per IP)
// from the environment. Returns 0 (limiting disabled) if unset or invalid.
func parseRateLimit() float64 {
	v := os.Getenv("PAPERBASE_RATE_LIMIT")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// runServe initializes the application and starts the HTTP API server.
func runServe(logger log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr, err := parseServeAddr(cfg.Addr)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting HTTP API server", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	srv := api.NewServer(a.Pipeline, a.Pool, api.Options{
		RequestsPerSecond: parseRateLimit(),
	}, logger)

	return srv.Run(ctx, addr)
}
