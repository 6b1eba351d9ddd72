package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/app"
	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/store"
)

// runDocuments dispatches the documents subcommands. Without arguments it
// lists everything.
func runDocuments(logger log.Logger) error {
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

	args := os.Args[2:]
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "list":
		return listDocuments(ctx, a, "")
	case "search":
		if len(args) == 0 {
			return errors.New("usage: paperbase documents search <query>")
		}
		return listDocuments(ctx, a, strings.Join(args, " "))
	case "remove":
		return removeDocument(ctx, a, args)
	case "reprocess":
		return reprocessDocuments(ctx, a, args)
	case "preview":
		return previewDocument(ctx, a, args)
	default:
		return fmt.Errorf("unknown documents subcommand: %s", sub)
	}
}

func listDocuments(ctx context.Context, a *app.App, query string) error {
	var (
		docs []store.Document
		err  error
	)
	if query != "" {
		docs, err = a.Pipeline.SearchDocuments(ctx, a.Pipeline.DefaultOrg(), query)
	} else {
		docs, err = a.Pipeline.ListDocuments(ctx, a.Pipeline.DefaultOrg())
	}
	if err != nil {
		return err
	}

	if len(docs) == 0 {
		fmt.Println("No documents.")
		return nil
	}
	for _, doc := range docs {
		fmt.Printf("%s  %-10s  %4d pages  chunk=%d  %s\n",
			doc.ID, doc.Status, doc.Pages, doc.ChunkSize, doc.Filename)
	}
	return nil
}

func removeDocument(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: paperbase documents remove <id>")
	}
	docID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", args[0], err)
	}
	if err := a.Pipeline.Remove(ctx, docID); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", docID)
	return nil
}

func reprocessDocuments(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: paperbase documents reprocess <id|all>")
	}

	if args[0] == "all" {
		if err := a.Pipeline.ReprocessAll(ctx, a.Pipeline.DefaultOrg()); err != nil {
			return err
		}
		fmt.Println("reprocessed all documents")
		return nil
	}

	docID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", args[0], err)
	}
	if err := a.Pipeline.Reprocess(ctx, docID); err != nil {
		return err
	}
	fmt.Printf("reprocessed %s\n", docID)
	return nil
}

func previewDocument(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: paperbase documents preview <id>")
	}
	docID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", args[0], err)
	}

	head, tail, err := a.Pipeline.PreviewLines(ctx, docID, 5)
	if err != nil {
		return err
	}

	for _, line := range head {
		fmt.Println(line)
	}
	if len(tail) > 0 {
		fmt.Println("...")
		for _, line := range tail {
			fmt.Println(line)
		}
	}
	return nil
}
