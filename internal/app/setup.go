package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/koopa0/paperbase/db"
	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/embed"
	"github.com/koopa0/paperbase/internal/extract"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/pipeline"
	"github.com/koopa0/paperbase/internal/retrieve"
	"github.com/koopa0/paperbase/internal/store"
)

// defaultOrgName is the organization every unscoped request belongs to.
const defaultOrgName = "default"

// defaultOrgID is the fixed ID the file backend uses for the default
// organization. It matches the row seeded by the initial migration, so a
// deployment that later enables Postgres keeps the same org ID.
var defaultOrgID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Setup initializes the application in dependency order: tracing, database,
// genkit embedder, stores, retriever, pipeline. On error everything already
// initialized is released.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = log.NewNop()
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	if cfg.UsePostgres() {
		pool, err := providePool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
	}

	g, embedder, err := provideEmbedder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g
	a.Embedder = embedder

	engine := embed.New(embedder, embed.Config{
		ModelID:           cfg.EmbedderModel,
		Workers:           cfg.Workers,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger)

	stores, source, orgID, err := provideStores(ctx, cfg, a.Pool, logger)
	if err != nil {
		return nil, err
	}

	svc, err := pipeline.New(extract.New(logger), engine, stores, retrieve.New(source, logger), pipeline.Config{
		PDFRoot:          cfg.PDFDir(),
		DefaultChunkSize: cfg.ChunkSize,
		Workers:          cfg.Workers,
		DefaultOrg:       orgID,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Pipeline = svc

	return a, nil
}

// provideOtelShutdown starts OTLP trace export when tracing is enabled. The
// exporter targets a local collector over HTTP; the returned function flushes
// buffered spans during shutdown.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Tracing.Endpoint,
		"service", cfg.Tracing.ServiceName,
		"environment", cfg.Tracing.Environment)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// providePool migrates the schema and opens the connection pool. Vector
// types are registered on every connection so pgvector values scan directly.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), nil); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideEmbedder initializes genkit with the configured provider and
// returns its embedder. Ollama requires explicit embedder registration,
// keyed by server address; gemini embedders are looked up by model name.
func provideEmbedder(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, ai.Embedder, error) {
	var (
		g        *genkit.Genkit
		embedder ai.Embedder
	)

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder = ollama.Embedder(g, cfg.OllamaHost)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.EmbedderModel, "host", cfg.OllamaHost)

	case config.ProviderGemini:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with gemini provider")
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		logger.Info("initialized genkit with gemini provider", "model", cfg.EmbedderModel)

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidProvider, cfg.Provider)
	}

	if embedder == nil {
		return nil, nil, fmt.Errorf("embedder %q not found for provider %q",
			cfg.EmbedderModel, cfg.Provider)
	}
	return g, embedder, nil
}

// provideStores builds the configured backends. Postgres, when enabled, is
// the primary store and the retrieval source, so queries use the database's
// native vector search; otherwise the file store serves both roles.
func provideStores(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger log.Logger) ([]store.Store, retrieve.CandidateSource, uuid.UUID, error) {
	var (
		stores []store.Store
		source retrieve.CandidateSource
		orgID  = defaultOrgID
	)

	if cfg.UsePostgres() {
		pg := store.NewPostgresStore(pool, config.VectorDimension, logger)
		stores = append(stores, pg)
		source = pg

		id, err := pg.GetOrCreateOrg(ctx, defaultOrgName)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("resolving default organization: %w", err)
		}
		orgID = id
	}

	if cfg.UseFile() {
		fs, err := store.NewFileStore(cfg.TextsDir(), cfg.VectorsDir(), config.VectorDimension, logger)
		if err != nil {
			return nil, nil, uuid.Nil, err
		}
		stores = append(stores, fs)
		if source == nil {
			source = fs
		}
	}

	if len(stores) == 0 {
		return nil, nil, uuid.Nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Backend)
	}
	return stores, source, orgID, nil
}
