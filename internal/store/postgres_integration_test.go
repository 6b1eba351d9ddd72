//go:build integration
// +build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/retrieve"
	"github.com/koopa0/paperbase/internal/testutil"
	"github.com/koopa0/paperbase/internal/textproc"
)

const pgTestDim = 768

func pgTestVector(seed float32) []float32 {
	v := make([]float32, pgTestDim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func pgTestPayload(t *testing.T, doc Document, text string) Payload {
	t.Helper()
	chunks, err := textproc.Split(textproc.Clean(text), doc.ChunkSize)
	require.NoError(t, err)
	vectors := make([][]float32, len(chunks))
	for i := range vectors {
		vectors[i] = pgTestVector(float32(i))
	}
	return Payload{Document: doc, Chunks: chunks, Vectors: vectors, ModelID: "test-model"}
}

func TestPostgresStore_SaveLoadRoundTrip_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := NewPostgresStore(dbc.Pool, pgTestDim, log.NewNop())
	ctx := context.Background()

	orgID, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)

	doc := Document{
		ID:         uuid.New(),
		OrgID:      orgID,
		Filename:   "report.pdf",
		ChunkSize:  3,
		Strategy:   "plain",
		Pages:      5,
		Status:     StatusPending,
		UploadedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	p := pgTestPayload(t, doc, "alpha beta gamma delta epsilon zeta eta theta")
	require.NoError(t, s.Save(ctx, p))

	got, chunks, vectors, err := s.Load(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, doc.Filename, got.Filename)
	require.Len(t, chunks, len(p.Chunks))
	require.Len(t, vectors, len(p.Chunks))
	for i := range chunks {
		assert.Equal(t, p.Chunks[i], chunks[i], "chunk %d", i)
		assert.Equal(t, p.Vectors[i], vectors[i], "vector %d", i)
	}
}

func TestPostgresStore_GetOrCreateOrgIdempotent_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := NewPostgresStore(dbc.Pool, pgTestDim, log.NewNop())
	ctx := context.Background()

	first, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)
	second, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, first, second, "same name must resolve to the same org")

	other, err := s.GetOrCreateOrg(ctx, "globex")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestPostgresStore_DeleteCascades_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := NewPostgresStore(dbc.Pool, pgTestDim, log.NewNop())
	ctx := context.Background()

	orgID, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)

	doc := Document{ID: uuid.New(), OrgID: orgID, Filename: "gone.pdf", ChunkSize: 2,
		Status: StatusPending, UploadedAt: time.Now().UTC()}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.Save(ctx, pgTestPayload(t, doc, "soon to be deleted text")))

	require.NoError(t, s.Delete(ctx, doc.ID))

	_, err = s.Document(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var orphans int
	err = dbc.Pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, doc.ID).Scan(&orphans)
	require.NoError(t, err)
	assert.Zero(t, orphans, "chunks must cascade on document delete")

	err = dbc.Pool.QueryRow(ctx, `SELECT count(*) FROM embeddings`).Scan(&orphans)
	require.NoError(t, err)
	assert.Zero(t, orphans, "embeddings must cascade on document delete")

	assert.ErrorIs(t, s.Delete(ctx, doc.ID), ErrNotFound)
}

func TestPostgresStore_SearchNative_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := NewPostgresStore(dbc.Pool, pgTestDim, log.NewNop())
	ctx := context.Background()

	orgID, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)
	otherOrg, err := s.GetOrCreateOrg(ctx, "globex")
	require.NoError(t, err)

	mkDoc := func(org uuid.UUID, name string, seed float32) Document {
		doc := Document{ID: uuid.New(), OrgID: org, Filename: name, ChunkSize: 4,
			Status: StatusPending, UploadedAt: time.Now().UTC()}
		require.NoError(t, s.CreateDocument(ctx, doc))

		chunks, err := textproc.Split("one two three four five six seven eight", doc.ChunkSize)
		require.NoError(t, err)
		vectors := make([][]float32, len(chunks))
		for i := range vectors {
			vectors[i] = pgTestVector(seed + float32(i)*10)
		}
		require.NoError(t, s.Save(ctx, Payload{
			Document: doc, Chunks: chunks, Vectors: vectors, ModelID: "test-model",
		}))
		require.NoError(t, s.SetStatus(ctx, doc.ID, StatusReady))
		return doc
	}

	docA := mkDoc(orgID, "a.pdf", 0)
	mkDoc(orgID, "b.pdf", 100)
	mkDoc(otherOrg, "c.pdf", 0)

	query := pgTestVector(0) // closest to docA chunk 0

	hits, err := s.SearchNative(ctx, query, retrieve.Scope{OrgID: orgID}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, docA.ID, hits[0].DocumentID)
	assert.Equal(t, 0, hits[0].ChunkIndex)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4, "identical vectors score ~1")

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score, "hits must be ordered by score")
	}
	for _, h := range hits {
		got, err := s.Document(ctx, h.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, orgID, got.OrgID, "native search must not cross org boundaries")
	}

	// Native and in-process ranking must agree on the top hit.
	candidates, err := s.Candidates(ctx, retrieve.Scope{OrgID: orgID})
	require.NoError(t, err)
	r := retrieve.New(staticSource(candidates), log.NewNop())
	inProc, err := r.Search(ctx, query, retrieve.Scope{OrgID: orgID}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, inProc)
	assert.Equal(t, hits[0].DocumentID, inProc[0].DocumentID)
	assert.Equal(t, hits[0].ChunkIndex, inProc[0].ChunkIndex)
}

func TestPostgresStore_StatusTransitions_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := NewPostgresStore(dbc.Pool, pgTestDim, log.NewNop())
	ctx := context.Background()

	orgID, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)

	doc := Document{ID: uuid.New(), OrgID: orgID, Filename: "s.pdf", ChunkSize: 2,
		Status: StatusPending, UploadedAt: time.Now().UTC()}
	require.NoError(t, s.CreateDocument(ctx, doc))

	for _, status := range []Status{StatusEmbedding, StatusReady, StatusFailed} {
		require.NoError(t, s.SetStatus(ctx, doc.ID, status))
		got, err := s.Document(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}

	assert.ErrorIs(t, s.SetStatus(ctx, uuid.New(), StatusReady), ErrNotFound)
}

func TestPostgresStore_BulkSave_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := NewPostgresStore(dbc.Pool, pgTestDim, log.NewNop())
	ctx := context.Background()

	orgID, err := s.GetOrCreateOrg(ctx, "acme")
	require.NoError(t, err)

	var payloads []Payload
	for i := range 4 {
		doc := Document{ID: uuid.New(), OrgID: orgID, Filename: fmt.Sprintf("bulk%d.pdf", i),
			ChunkSize: 3, Status: StatusPending, UploadedAt: time.Now().UTC()}
		require.NoError(t, s.CreateDocument(ctx, doc))
		payloads = append(payloads, pgTestPayload(t, doc, fmt.Sprintf("bulk body %d with more words", i)))
	}

	require.NoError(t, s.BulkSave(ctx, payloads))
	for _, p := range payloads {
		_, chunks, vectors, err := s.Load(ctx, p.Document.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, len(p.Chunks))
		assert.Len(t, vectors, len(p.Chunks))
	}
}

// staticSource adapts a pre-fetched candidate slice to retrieve.CandidateSource.
type staticSource []retrieve.Candidate

func (s staticSource) Candidates(context.Context, retrieve.Scope) ([]retrieve.Candidate, error) {
	return s, nil
}
