// Package app wires the application together: configuration, tracing, the
// database pool, the genkit embedder, the storage backends, and the document
// pipeline. Commands call Setup once and work against the resulting App.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/pipeline"
)

// App is the application container. Fields are populated by Setup in
// dependency order; Close releases them in reverse.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	// Pool is nil when the Postgres backend is disabled.
	Pool *pgxpool.Pool

	Pipeline *pipeline.Service

	otelCleanup func()
}

// Close shuts everything down: pending embedding jobs are canceled, the pool
// is closed, and buffered trace spans are flushed.
func (a *App) Close() error {
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
