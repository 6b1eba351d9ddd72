// Package retrieve ranks stored chunks against a query vector.
//
// Similarity is cosine similarity. Ranking is fully deterministic: ties on
// score break on document ID, then chunk index, so the same query against
// the same corpus always returns the same hits in the same order regardless
// of backend.
package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/log"
)

// ErrRetrieval indicates the candidate source failed; an empty corpus is not
// an error.
var ErrRetrieval = errors.New("retrieval failed")

// zeroNormEpsilon guards the cosine denominator. Vectors with a norm at or
// below it score zero instead of dividing by (nearly) nothing.
const zeroNormEpsilon = 1e-8

// Scope restricts a search to an organization, and optionally to a subset of
// its documents. Scoping is a hard boundary: chunks outside it can never
// appear in results.
type Scope struct {
	OrgID       uuid.UUID
	DocumentIDs []uuid.UUID // empty means every ready document in the org
}

// Candidate is one searchable chunk, produced by a candidate source.
type Candidate struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Text       string
	Vector     []float32
}

// Hit is one ranked search result.
type Hit struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Text       string
	Score      float64
}

// CandidateSource yields the chunks visible inside a scope. Only chunks of
// ready documents are candidates; pending, embedding, and failed documents
// are invisible to search.
type CandidateSource interface {
	Candidates(ctx context.Context, scope Scope) ([]Candidate, error)
}

// NativeSearcher is implemented by sources that can rank in the backend
// itself (the pgvector index). A native search must order exactly as the
// in-process path does: score descending, then document ID, then chunk
// index.
type NativeSearcher interface {
	SearchNative(ctx context.Context, query []float32, scope Scope, k int) ([]Hit, error)
}

// Retriever executes top-k searches against a candidate source.
type Retriever struct {
	source CandidateSource
	logger log.Logger
}

// New creates a Retriever over the given source.
func New(source CandidateSource, logger log.Logger) *Retriever {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{
		source: source,
		logger: logger.With("component", "retriever"),
	}
}

// Search returns the k most similar chunks within scope, best first. Fewer
// than k candidates returns them all; an empty scope returns an empty slice.
//
// When the source can rank natively the work stays in the backend; a native
// failure falls back to in-process scoring rather than failing the query.
func (r *Retriever) Search(ctx context.Context, query []float32, scope Scope, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrRetrieval, k)
	}

	if ns, ok := r.source.(NativeSearcher); ok {
		hits, err := ns.SearchNative(ctx, query, scope, k)
		if err == nil {
			return hits, nil
		}
		r.logger.Warn("native search failed, scoring in process", "error", err)
	}

	candidates, err := r.source.Candidates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	return rank(query, candidates, k), nil
}

// rank scores every candidate and returns the top k in deterministic order.
func rank(query []float32, candidates []Candidate, k int) []Hit {
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Score:      Cosine(query, c.Vector),
		})
	}

	slices.SortFunc(hits, func(a, b Hit) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if c := bytes.Compare(a.DocumentID[:], b.DocumentID[:]); c != 0 {
			return c
		}
		return a.ChunkIndex - b.ChunkIndex
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Cosine computes cosine similarity, accumulating in float64 so long vectors
// do not lose precision. Mismatched lengths and near-zero norms score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom <= zeroNormEpsilon {
		return 0
	}
	return dot / denom
}
