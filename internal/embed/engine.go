// Package embed turns chunk text into fixed-dimension vectors.
//
// Embedding is the CPU/model-bound stage of ingestion, so the engine batches
// chunks and fans the batches out across a bounded pool of workers. Output
// order always matches input order: position-for-position correspondence is
// the invariant the chunk-to-embedding mapping depends on.
package embed

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/koopa0/paperbase/internal/log"
)

// ErrEmbedding indicates embedding failed for a single chunk. A failed chunk
// never aborts its batch; the caller decides whether to retry failed entries.
var ErrEmbedding = errors.New("embedding failed")

// smallBatchThreshold is the input size below which fan-out overhead costs
// more than it saves; such inputs are embedded in a single request.
const smallBatchThreshold = 10

// minBatchSize is the smallest sub-batch dispatched to a worker.
const minBatchSize = 50

// Config holds engine tuning parameters.
type Config struct {
	// ModelID identifies the embedding model, recorded with every vector.
	ModelID string

	// Workers bounds the number of concurrent embedding requests.
	// Zero means one worker per available CPU.
	Workers int

	// RequestsPerSecond throttles model invocations. Zero means unlimited.
	RequestsPerSecond float64
}

// Engine generates embedding vectors through a genkit embedder.
// It is safe for concurrent use; the worker bound and rate limiter are
// shared process-wide so parallel document uploads cannot multiply load.
type Engine struct {
	embedder ai.Embedder
	modelID  string
	workers  int
	sem      chan struct{} // bounds in-flight model requests across all calls
	limiter  *rate.Limiter
	logger   log.Logger
}

// New creates an Engine. A nil logger falls back to slog.Default.
func New(embedder ai.Embedder, cfg Config, logger log.Logger) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), workers)
	}

	e := &Engine{
		embedder: embedder,
		modelID:  cfg.ModelID,
		workers:  workers,
		sem:      make(chan struct{}, workers),
		limiter:  limiter,
		logger:   log.NewNop(),
	}
	if logger != nil {
		e.logger = logger
	}
	return e
}

// ModelID returns the identifier of the embedding model in use.
func (e *Engine) ModelID() string { return e.modelID }

// EmbedOne embeds a single text, typically a query.
func (e *Engine) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	vecs, err := e.request(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts and returns one vector per input, in input order.
//
// The batch size grows with the input so large documents saturate the worker
// pool without flooding the model server with tiny requests. Failures are
// per-chunk: vectors[i] is nil and errs[i] wraps ErrEmbedding for every chunk
// of a failed request, while all other chunks still produce embeddings.
// Only context cancellation stops the remaining batches from being scheduled.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error) {
	n := len(texts)
	vectors := make([][]float32, n)
	errs := make([]error, n)
	if n == 0 {
		return vectors, errs
	}

	batchSize := max(minBatchSize, n/e.workers)
	if n < smallBatchThreshold {
		batchSize = n
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)

		g.Go(func() error {
			// The semaphore is engine-level, not per call: concurrent
			// EmbedBatch invocations share one worker budget.
			if err := e.acquire(gctx); err != nil {
				return err
			}
			defer e.release()

			if err := e.limiter.Wait(gctx); err != nil {
				return err // canceled: stop scheduling further batches
			}

			vecs, err := e.request(gctx, texts[start:end])
			if err != nil {
				e.logger.Warn("embedding batch failed",
					"from", start, "to", end, "error", err)
				for i := start; i < end; i++ {
					errs[i] = fmt.Errorf("%w: chunk %d: %v", ErrEmbedding, i, err)
				}
				return nil // partial failure, keep going
			}

			for i, v := range vecs {
				vectors[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Cancellation: mark every chunk that produced nothing.
		for i := range errs {
			if vectors[i] == nil && errs[i] == nil {
				errs[i] = fmt.Errorf("%w: chunk %d: %v", ErrEmbedding, i, err)
			}
		}
	}

	return vectors, errs
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.sem }

// request performs one embedding call for a contiguous span of texts.
// The response must contain exactly one vector per input, in order.
func (e *Engine) request(ctx context.Context, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = &ai.Document{Content: []*ai.Part{ai.NewTextPart(t)}}
	}

	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs",
			len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) == 0 {
			return nil, fmt.Errorf("empty vector at position %d", i)
		}
		vecs[i] = emb.Embedding
	}
	return vecs, nil
}

// FailedIndexes returns the input positions that did not produce a vector.
// Useful for retrying only the failed entries of a batch.
func FailedIndexes(errs []error) []int {
	var failed []int
	for i, err := range errs {
		if err != nil {
			failed = append(failed, i)
		}
	}
	return failed
}
