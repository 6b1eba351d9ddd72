package retrieve

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/log"
)

// fakeSource serves a fixed candidate set.
type fakeSource struct {
	candidates []Candidate
	err        error
}

func (f *fakeSource) Candidates(context.Context, Scope) ([]Candidate, error) {
	return f.candidates, f.err
}

// nativeSource additionally ranks "natively", or fails to, for fallback tests.
type nativeSource struct {
	fakeSource
	nativeHits []Hit
	nativeErr  error
	nativeUsed bool
}

func (n *nativeSource) SearchNative(context.Context, []float32, Scope, int) ([]Hit, error) {
	n.nativeUsed = true
	return n.nativeHits, n.nativeErr
}

func candidate(doc uuid.UUID, index int, vec []float32) Candidate {
	return Candidate{DocumentID: doc, ChunkIndex: index, Text: "chunk", Vector: vec}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"scaled", []float32{1, 2}, []float32{2, 4}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSearchRanksBySimilarity(t *testing.T) {
	docA, docB := uuid.New(), uuid.New()
	source := &fakeSource{candidates: []Candidate{
		candidate(docA, 0, []float32{0, 1}),   // orthogonal to query
		candidate(docA, 1, []float32{1, 0.1}), // close
		candidate(docB, 0, []float32{1, 0}),   // identical direction
	}}
	r := New(source, log.NewNop())

	hits, err := r.Search(context.Background(), []float32{1, 0}, Scope{OrgID: uuid.New()}, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Search() returned %d hits, want 3", len(hits))
	}
	if hits[0].DocumentID != docB || hits[0].ChunkIndex != 0 {
		t.Errorf("best hit = %v/%d, want docB/0", hits[0].DocumentID, hits[0].ChunkIndex)
	}
	if hits[1].DocumentID != docA || hits[1].ChunkIndex != 1 {
		t.Errorf("second hit = %v/%d, want docA/1", hits[1].DocumentID, hits[1].ChunkIndex)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not ordered by score: %v then %v", hits[i-1].Score, hits[i].Score)
		}
	}
}

func TestSearchTieBreaksDeterministically(t *testing.T) {
	// Two documents with identical vectors: ties break on document ID bytes,
	// then chunk index.
	docA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	docB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	vec := []float32{1, 1}

	source := &fakeSource{candidates: []Candidate{
		candidate(docB, 1, vec),
		candidate(docA, 1, vec),
		candidate(docB, 0, vec),
		candidate(docA, 0, vec),
	}}
	r := New(source, log.NewNop())

	want := []struct {
		doc   uuid.UUID
		index int
	}{
		{docA, 0}, {docA, 1}, {docB, 0}, {docB, 1},
	}

	// Repeated searches over an unordered source must return one canonical
	// order.
	for range 5 {
		hits, err := r.Search(context.Background(), []float32{1, 1}, Scope{}, 4)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		for i, w := range want {
			if hits[i].DocumentID != w.doc || hits[i].ChunkIndex != w.index {
				t.Fatalf("hit %d = %v/%d, want %v/%d",
					i, hits[i].DocumentID, hits[i].ChunkIndex, w.doc, w.index)
			}
		}
	}
}

func TestSearchFewerCandidatesThanK(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		candidate(uuid.New(), 0, []float32{1, 2}),
		candidate(uuid.New(), 0, []float32{2, 1}),
	}}
	r := New(source, log.NewNop())

	hits, err := r.Search(context.Background(), []float32{1, 1}, Scope{}, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("Search() returned %d hits, want all 2 candidates", len(hits))
	}
}

func TestSearchEmptyCorpus(t *testing.T) {
	r := New(&fakeSource{}, log.NewNop())

	hits, err := r.Search(context.Background(), []float32{1, 0}, Scope{}, 5)
	if err != nil {
		t.Fatalf("empty corpus must not error, got %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Search() on empty corpus returned %d hits", len(hits))
	}
}

func TestSearchInvalidK(t *testing.T) {
	r := New(&fakeSource{}, log.NewNop())

	for _, k := range []int{0, -1} {
		if _, err := r.Search(context.Background(), []float32{1}, Scope{}, k); !errors.Is(err, ErrRetrieval) {
			t.Errorf("Search(k=%d) = %v, want ErrRetrieval", k, err)
		}
	}
}

func TestSearchSourceError(t *testing.T) {
	r := New(&fakeSource{err: errors.New("backend down")}, log.NewNop())

	_, err := r.Search(context.Background(), []float32{1}, Scope{}, 3)
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("Search() = %v, want ErrRetrieval", err)
	}
}

func TestSearchPrefersNative(t *testing.T) {
	doc := uuid.New()
	source := &nativeSource{
		nativeHits: []Hit{{DocumentID: doc, ChunkIndex: 2, Text: "native", Score: 0.9}},
	}
	r := New(source, log.NewNop())

	hits, err := r.Search(context.Background(), []float32{1, 0}, Scope{}, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !source.nativeUsed {
		t.Error("native searcher was not used")
	}
	if len(hits) != 1 || hits[0].Text != "native" {
		t.Errorf("Search() = %+v, want the native hit", hits)
	}
}

func TestSearchFallsBackWhenNativeFails(t *testing.T) {
	doc := uuid.New()
	source := &nativeSource{
		fakeSource: fakeSource{candidates: []Candidate{
			candidate(doc, 0, []float32{1, 0}),
		}},
		nativeErr: errors.New("index unavailable"),
	}
	r := New(source, log.NewNop())

	hits, err := r.Search(context.Background(), []float32{1, 0}, Scope{}, 1)
	if err != nil {
		t.Fatalf("fallback Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != doc {
		t.Errorf("fallback Search() = %+v, want the in-process hit", hits)
	}
}

func TestSearchFloat64Accumulation(t *testing.T) {
	// Long vectors of tiny components lose the dot product entirely in
	// float32; float64 accumulation keeps the similarity at 1.
	const dim = 768
	a := make([]float32, dim)
	for i := range a {
		a[i] = 1e-4
	}
	if got := Cosine(a, a); math.Abs(got-1) > 1e-6 {
		t.Errorf("Cosine(a, a) = %v, want 1", got)
	}
}
