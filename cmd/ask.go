package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/koopa0/paperbase/internal/app"
	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/retrieve"
)

// runAsk embeds a question and prints the best-matching chunks.
func runAsk(logger log.Logger) error {
	askFlags := flag.NewFlagSet("ask", flag.ContinueOnError)
	askFlags.SetOutput(os.Stderr)
	topK := askFlags.Int("k", 0, "Number of chunks to return (0 = configured default)")
	if err := askFlags.Parse(os.Args[2:]); err != nil {
		return fmt.Errorf("parsing ask flags: %w", err)
	}

	question := strings.TrimSpace(strings.Join(askFlags.Args(), " "))
	if question == "" {
		return errors.New("usage: paperbase ask [-k n] <question>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *topK <= 0 {
		*topK = cfg.TopK
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

	scope := retrieve.Scope{OrgID: a.Pipeline.DefaultOrg()}
	hits, err := a.Pipeline.Ask(ctx, question, scope, *topK)
	if err != nil {
		return fmt.Errorf("retrieving: %w", err)
	}

	if len(hits) == 0 {
		fmt.Println("No matching chunks found.")
		return nil
	}

	for i, hit := range hits {
		fmt.Printf("%d. [%.4f] document %s, chunk %d\n", i+1, hit.Score, hit.DocumentID, hit.ChunkIndex)
		fmt.Printf("   %s\n\n", hit.Text)
	}
	return nil
}
