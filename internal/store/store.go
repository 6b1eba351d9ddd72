// Package store persists documents, their chunks, and their embedding
// vectors.
//
// Two interchangeable backends implement the same contract: a flat-file
// backend (one text file and one vector file per document) and a PostgreSQL
// backend with a native pgvector similarity index. The backend (or both) is
// selected at process configuration time; callers only see the Store
// interface.
//
// The store is the sole writer of embeddings. Within a document, a save is
// atomic: either every chunk and vector for the document is persisted, or
// none are.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/textproc"
)

var (
	// ErrStore indicates a backend read or write failure. For the
	// PostgreSQL backend the in-progress transaction is rolled back, so
	// a partially saved document is never visible.
	ErrStore = errors.New("store operation failed")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrDimensionMismatch indicates a vector's dimensionality differs
	// from the store's configured dimensionality. This is fatal: vectors
	// are never truncated or padded to fit.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Status tracks how far a document has progressed through the pipeline.
// Failed documents stay visible so the failure is diagnosable and
// reprocessing can be retried.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEmbedding Status = "embedding"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
)

// Document is the stored record of an uploaded file. Filename is unique per
// organization; collisions are resolved by suffixing at upload time, never
// by overwriting.
type Document struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Filename   string
	ChunkSize  int // words per chunk, fixed at upload for reproducible re-chunking
	Strategy   string
	Pages      int
	Status     Status
	UploadedAt time.Time
}

// Payload bundles everything persisted for one document: its chunks and one
// vector per chunk, position for position.
type Payload struct {
	Document Document
	Chunks   []textproc.Chunk
	Vectors  [][]float32
	ModelID  string
}

// Validate checks the chunk/vector pairing and dimensionality before any
// write happens.
func (p *Payload) Validate(dim int) error {
	if len(p.Chunks) != len(p.Vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", ErrStore, len(p.Chunks), len(p.Vectors))
	}
	for i, v := range p.Vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: chunk %d has dimension %d, store expects %d",
				ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return nil
}

// Store is the persistence contract shared by the file and PostgreSQL
// backends.
type Store interface {
	// CreateDocument registers a document record before any derived
	// artifacts exist. Its status starts as StatusPending.
	CreateDocument(ctx context.Context, doc Document) error

	// SetStatus updates a document's pipeline status.
	SetStatus(ctx context.Context, docID uuid.UUID, status Status) error

	// Document returns a single document record.
	Document(ctx context.Context, docID uuid.UUID) (Document, error)

	// Documents lists all documents belonging to an organization.
	Documents(ctx context.Context, orgID uuid.UUID) ([]Document, error)

	// Save persists one document's chunks and vectors atomically,
	// replacing any previously saved artifacts for the document.
	Save(ctx context.Context, p Payload) error

	// BulkSave persists many documents. Atomicity is per document: a
	// failure in one document does not undo the others.
	BulkSave(ctx context.Context, payloads []Payload) error

	// Load returns a document with its chunks and vectors.
	// Returns ErrNotFound after the document has been deleted.
	Load(ctx context.Context, docID uuid.UUID) (Document, []textproc.Chunk, [][]float32, error)

	// Delete removes the document and every derived artifact it owns.
	// The cascade is total: no chunk, vector, or metadata survives.
	Delete(ctx context.Context, docID uuid.UUID) error
}

// sortDocuments orders by upload time, then by ID bytes for a stable order
// among same-instant uploads. Matches the SQL ORDER BY of the PostgreSQL
// backend so listings agree across backends.
func sortDocuments(docs []Document) {
	slices.SortFunc(docs, func(a, b Document) int {
		if c := a.UploadedAt.Compare(b.UploadedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
}
