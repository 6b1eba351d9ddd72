package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/retrieve"
	"github.com/koopa0/paperbase/internal/textproc"
)

// PostgresStore persists documents in PostgreSQL with pgvector. Chunks and
// embeddings live in separate tables joined by chunk ID; ON DELETE CASCADE
// makes document removal total. The pool must have pgvector types
// registered (see app setup).
//
// PostgresStore also ranks natively: similarity search runs against the
// pgvector index instead of pulling candidates into the process.
type PostgresStore struct {
	pool   *pgxpool.Pool
	dim    int
	logger log.Logger
}

// NewPostgresStore creates a PostgresStore over an existing pool. dim is the
// vector dimensionality every save must match; it must agree with the
// vector(n) column type.
func NewPostgresStore(pool *pgxpool.Pool, dim int, logger log.Logger) *PostgresStore {
	if logger == nil {
		logger = log.NewNop()
	}
	return &PostgresStore{
		pool:   pool,
		dim:    dim,
		logger: logger.With("component", "pgstore"),
	}
}

// GetOrCreateOrg returns the organization's ID, creating the row on first
// use. The upsert always returns an ID, so concurrent first uses agree.
func (s *PostgresStore) GetOrCreateOrg(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO organizations (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		uuid.New(), name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: get or create org %q: %v", ErrStore, name, err)
	}
	return id, nil
}

// CreateDocument inserts the document record with no chunks yet.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	status := doc.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, org_id, filename, chunk_size, strategy, pages, status, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.OrgID, doc.Filename, doc.ChunkSize, doc.Strategy, doc.Pages, status, doc.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create document %s: %v", ErrStore, doc.ID, err)
	}
	return nil
}

// SetStatus updates the document's pipeline status.
func (s *PostgresStore) SetStatus(ctx context.Context, docID uuid.UUID, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2 WHERE id = $1`, docID, status)
	if err != nil {
		return fmt.Errorf("%w: set status: %v", ErrStore, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return nil
}

// Document returns a single document record.
func (s *PostgresStore) Document(ctx context.Context, docID uuid.UUID) (Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, filename, chunk_size, strategy, pages, status, uploaded_at
		FROM documents WHERE id = $1`, docID,
	).Scan(&doc.ID, &doc.OrgID, &doc.Filename, &doc.ChunkSize, &doc.Strategy,
		&doc.Pages, &doc.Status, &doc.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if err != nil {
		return Document{}, fmt.Errorf("%w: get document: %v", ErrStore, err)
	}
	return doc, nil
}

// Documents lists the organization's documents, ordered by upload time.
func (s *PostgresStore) Documents(ctx context.Context, orgID uuid.UUID) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, filename, chunk_size, strategy, pages, status, uploaded_at
		FROM documents WHERE org_id = $1
		ORDER BY uploaded_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", ErrStore, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.OrgID, &doc.Filename, &doc.ChunkSize,
			&doc.Strategy, &doc.Pages, &doc.Status, &doc.UploadedAt); err != nil {
			return nil, fmt.Errorf("%w: scan document: %v", ErrStore, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", ErrStore, err)
	}
	return docs, nil
}

// Save replaces the document's chunks and vectors in one transaction, bulk
// loading both tables with COPY. A failure rolls everything back, so search
// never sees a half-saved document.
func (s *PostgresStore) Save(ctx context.Context, p Payload) error {
	if err := p.Validate(s.dim); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Reprocessing replaces prior chunks; embeddings go with them via cascade.
	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, p.Document.ID); err != nil {
		return fmt.Errorf("%w: clear chunks: %v", ErrStore, err)
	}

	chunkIDs := make([]uuid.UUID, len(p.Chunks))
	for i := range chunkIDs {
		chunkIDs[i] = uuid.New()
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"chunks"},
		[]string{"id", "document_id", "chunk_index", "content", "words", "word_offset"},
		pgx.CopyFromSlice(len(p.Chunks), func(i int) ([]any, error) {
			c := p.Chunks[i]
			return []any{chunkIDs[i], p.Document.ID, c.Index, c.Text, c.Words, c.Offset}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: copy chunks: %v", ErrStore, err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"embeddings"},
		[]string{"chunk_id", "embedding", "model_id"},
		pgx.CopyFromSlice(len(p.Vectors), func(i int) ([]any, error) {
			return []any{chunkIDs[i], pgvector.NewVector(p.Vectors[i]), p.ModelID}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: copy embeddings: %v", ErrStore, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}

	s.logger.Debug("document saved",
		"document_id", p.Document.ID, "chunks", len(p.Chunks))
	return nil
}

// BulkSave saves each document in its own transaction, so one failure does
// not undo its siblings.
func (s *PostgresStore) BulkSave(ctx context.Context, payloads []Payload) error {
	for _, p := range payloads {
		if err := s.Save(ctx, p); err != nil {
			return fmt.Errorf("document %s: %w", p.Document.ID, err)
		}
	}
	return nil
}

// Load returns the document with its chunks and vectors in chunk order.
func (s *PostgresStore) Load(ctx context.Context, docID uuid.UUID) (Document, []textproc.Chunk, [][]float32, error) {
	doc, err := s.Document(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.chunk_index, c.content, c.words, c.word_offset, e.embedding
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.document_id = $1
		ORDER BY c.chunk_index`, docID)
	if err != nil {
		return Document{}, nil, nil, fmt.Errorf("%w: load chunks: %v", ErrStore, err)
	}
	defer rows.Close()

	var (
		chunks  []textproc.Chunk
		vectors [][]float32
	)
	for rows.Next() {
		var (
			chunk textproc.Chunk
			vec   pgvector.Vector
		)
		if err := rows.Scan(&chunk.Index, &chunk.Text, &chunk.Words, &chunk.Offset, &vec); err != nil {
			return Document{}, nil, nil, fmt.Errorf("%w: scan chunk: %v", ErrStore, err)
		}
		chunks = append(chunks, chunk)
		vectors = append(vectors, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return Document{}, nil, nil, fmt.Errorf("%w: load chunks: %v", ErrStore, err)
	}

	return doc, chunks, vectors, nil
}

// Delete removes the document; chunks and embeddings follow by cascade.
func (s *PostgresStore) Delete(ctx context.Context, docID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return fmt.Errorf("%w: delete document: %v", ErrStore, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	s.logger.Debug("document deleted", "document_id", docID)
	return nil
}

// Candidates returns every ready chunk in scope with its vector, for
// in-process scoring. Normally unused: SearchNative keeps ranking in the
// database.
func (s *PostgresStore) Candidates(ctx context.Context, scope retrieve.Scope) ([]retrieve.Candidate, error) {
	query := `
		SELECT c.document_id, c.chunk_index, c.content, e.embedding
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		JOIN documents d ON d.id = c.document_id
		WHERE d.org_id = $1 AND d.status = $2`
	args := []any{scope.OrgID, StatusReady}
	if len(scope.DocumentIDs) > 0 {
		query += ` AND c.document_id = ANY($3)`
		args = append(args, scope.DocumentIDs)
	}
	query += ` ORDER BY c.document_id, c.chunk_index`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: candidates: %v", ErrStore, err)
	}
	defer rows.Close()

	var candidates []retrieve.Candidate
	for rows.Next() {
		var (
			c   retrieve.Candidate
			vec pgvector.Vector
		)
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.Text, &vec); err != nil {
			return nil, fmt.Errorf("%w: scan candidate: %v", ErrStore, err)
		}
		c.Vector = vec.Slice()
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: candidates: %v", ErrStore, err)
	}
	return candidates, nil
}

// SearchNative ranks in the database with the pgvector cosine operator.
// The ORDER BY mirrors in-process ranking exactly: score descending, then
// document ID, then chunk index.
func (s *PostgresStore) SearchNative(ctx context.Context, query []float32, scope retrieve.Scope, k int) ([]retrieve.Hit, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, store expects %d",
			ErrDimensionMismatch, len(query), s.dim)
	}

	sql := `
		SELECT c.document_id, c.chunk_index, c.content,
		       1 - (e.embedding <=> $1) AS score
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		JOIN documents d ON d.id = c.document_id
		WHERE d.org_id = $2 AND d.status = $3`
	args := []any{pgvector.NewVector(query), scope.OrgID, StatusReady}
	if len(scope.DocumentIDs) > 0 {
		sql += ` AND c.document_id = ANY($4)`
		args = append(args, scope.DocumentIDs)
	}
	sql += `
		ORDER BY score DESC, c.document_id, c.chunk_index
		LIMIT ` + fmt.Sprintf("%d", k)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: native search: %v", ErrStore, err)
	}
	defer rows.Close()

	var hits []retrieve.Hit
	for rows.Next() {
		var h retrieve.Hit
		if err := rows.Scan(&h.DocumentID, &h.ChunkIndex, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("%w: scan hit: %v", ErrStore, err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: native search: %v", ErrStore, err)
	}
	return hits, nil
}
