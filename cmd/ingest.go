package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/app"
	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/store"
)

// statusPollInterval is how often ingest checks whether embedding finished.
const statusPollInterval = 500 * time.Millisecond

// runIngest uploads one or more PDFs and waits until each is searchable.
func runIngest(logger log.Logger) error {
	ingestFlags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	ingestFlags.SetOutput(os.Stderr)
	chunkSize := ingestFlags.Int("chunk-size", 0, "Words per chunk (0 = configured default)")
	if err := ingestFlags.Parse(os.Args[2:]); err != nil {
		return fmt.Errorf("parsing ingest flags: %w", err)
	}

	paths := ingestFlags.Args()
	if len(paths) == 0 {
		return errors.New("usage: paperbase ingest [--chunk-size n] <file.pdf>...")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	var failed int
	for _, path := range paths {
		if err := ingestOne(ctx, a, path, *chunkSize); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", path, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(paths))
	}
	return nil
}

func ingestOne(ctx context.Context, a *app.App, path string, chunkSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	docID, err := a.Pipeline.Upload(ctx, f, path, chunkSize, a.Pipeline.DefaultOrg())
	if err != nil {
		return err
	}

	fmt.Printf("  %s -> %s (embedding...)\n", path, docID)

	status, err := waitForSettled(ctx, a, docID)
	if err != nil {
		return err
	}
	if status != store.StatusReady {
		return fmt.Errorf("document ended in status %q", status)
	}
	fmt.Printf("  %s -> ready\n", docID)
	return nil
}

// waitForSettled polls until the document leaves the pending/embedding
// states or the context is canceled.
func waitForSettled(ctx context.Context, a *app.App, docID uuid.UUID) (store.Status, error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		status, err := a.Pipeline.Status(ctx, docID)
		if err != nil {
			return "", err
		}
		if status != store.StatusPending && status != store.StatusEmbedding {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
