// Package cmd provides the paperbase CLI commands.
//
// Commands:
//   - serve: HTTP API server over the document pipeline
//   - ingest: upload PDFs and wait until they are searchable
//   - ask: one-shot retrieval query
//   - documents: list, search, remove, reprocess, preview
//
// Signal handling and graceful shutdown are implemented for all commands via
// context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/koopa0/paperbase/internal/log"
)

// Execute is the main entry point for the paperbase CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(logger)
	case "ingest":
		return runIngest(logger)
	case "ask":
		return runAsk(logger)
	case "documents", "docs":
		return runDocuments(logger)
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Paperbase - Local PDF search over embeddings")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  paperbase serve [addr]             Start HTTP API server (default: localhost:8080)")
	fmt.Println("  paperbase ingest <file.pdf>...     Upload PDFs and wait until searchable")
	fmt.Println("  paperbase ask <question>           Retrieve the best-matching chunks")
	fmt.Println("  paperbase documents [subcommand]   Manage stored documents")
	fmt.Println("  paperbase --version                Show version information")
	fmt.Println("  paperbase --help                   Show this help")
	fmt.Println()
	fmt.Println("Documents subcommands:")
	fmt.Println("  list                               List all documents (default)")
	fmt.Println("  search <query>                     Filter documents by filename")
	fmt.Println("  remove <id>                        Delete a document everywhere")
	fmt.Println("  reprocess <id|all>                 Re-extract, re-chunk, re-embed")
	fmt.Println("  preview <id>                       Show the first and last chunks")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  PAPERBASE_PROVIDER                 Embedding provider: ollama (default) or gemini")
	fmt.Println("  PAPERBASE_OLLAMA_HOST              Ollama server (default: http://localhost:11434)")
	fmt.Println("  PAPERBASE_BACKEND                  Storage backend: file, postgres, or both")
	fmt.Println("  GEMINI_API_KEY                     Required when provider is gemini")
	fmt.Println("  DATABASE_URL                       Overrides the postgres_* config settings")
	fmt.Println("  DEBUG                              Enable debug logging")
	fmt.Println()
	fmt.Println("Learn more: https://github.com/koopa0/paperbase")
}
