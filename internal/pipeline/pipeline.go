// Package pipeline orchestrates the document lifecycle: upload, extraction,
// chunking, background embedding, retrieval, and removal.
//
// Upload is split in two: extraction and chunking run synchronously so the
// caller learns immediately whether the PDF is usable, while embedding and
// vector persistence happen in the background. The document's status field
// (pending, embedding, ready, failed) is the observable progress of that
// background work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/embed"
	"github.com/koopa0/paperbase/internal/extract"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/retrieve"
	"github.com/koopa0/paperbase/internal/store"
	"github.com/koopa0/paperbase/internal/textproc"
)

var (
	// ErrNoText indicates the PDF yielded no usable text after cleaning.
	ErrNoText = errors.New("document contains no extractable text")

	// ErrBusy indicates the document is still being embedded and the
	// requested operation needs it settled first.
	ErrBusy = errors.New("document is being processed")
)

// reprocessBatchSize bounds how many documents an org-wide reprocess works
// on concurrently.
const reprocessBatchSize = 10

// Extractor pulls text from a PDF on disk.
type Extractor interface {
	Extract(ctx context.Context, path string) (*extract.Result, error)
}

// Embedder turns text into vectors. Satisfied by *embed.Engine.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error)
	ModelID() string
}

// Config holds pipeline tuning.
type Config struct {
	// PDFRoot is where uploaded PDFs are kept.
	PDFRoot string

	// DefaultChunkSize is used when an upload does not specify one.
	DefaultChunkSize int

	// Workers bounds concurrent background embedding jobs.
	Workers int

	// DefaultOrg is the organization used when a caller does not scope
	// explicitly (single-tenant deployments).
	DefaultOrg uuid.UUID
}

// Service is the pipeline entry point. It writes every document to all
// configured stores; the first store is primary and serves reads.
type Service struct {
	extractor Extractor
	embedder  Embedder
	stores    []store.Store
	retriever *retrieve.Retriever
	cfg       Config
	logger    log.Logger

	jobs chan struct{} // semaphore for background embedding
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
	closed   bool
}

// New creates a Service. stores must not be empty; the first entry is the
// primary backend for reads and retrieval.
func New(extractor Extractor, embedder Embedder, stores []store.Store, retriever *retrieve.Retriever, cfg Config, logger log.Logger) (*Service, error) {
	if len(stores) == 0 {
		return nil, errors.New("pipeline: at least one store is required")
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = log.NewNop()
	}
	if err := os.MkdirAll(cfg.PDFRoot, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create pdf root: %w", err)
	}

	return &Service{
		extractor: extractor,
		embedder:  embedder,
		stores:    stores,
		retriever: retriever,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
		jobs:      make(chan struct{}, cfg.Workers),
		inflight:  make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

func (s *Service) primary() store.Store { return s.stores[0] }

// DefaultOrg returns the organization used for unscoped calls.
func (s *Service) DefaultOrg() uuid.UUID { return s.cfg.DefaultOrg }

// Upload stores the PDF, extracts and chunks it synchronously, then
// schedules embedding in the background. It returns once the document is
// registered with status pending; vectors appear later.
func (s *Service) Upload(ctx context.Context, r io.Reader, filename string, chunkSize int, orgID uuid.UUID) (uuid.UUID, error) {
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}

	stored, path, err := s.storePDF(r, filename)
	if err != nil {
		return uuid.Nil, err
	}

	result, err := s.extractor.Extract(ctx, path)
	if err != nil {
		os.Remove(path)
		return uuid.Nil, err
	}

	cleaned := textproc.Clean(result.Text)
	chunks, err := textproc.Split(cleaned, chunkSize)
	if err != nil {
		os.Remove(path)
		return uuid.Nil, err
	}
	if len(chunks) == 0 {
		os.Remove(path)
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNoText, stored)
	}

	doc := store.Document{
		ID:         uuid.New(),
		OrgID:      orgID,
		Filename:   stored,
		ChunkSize:  chunkSize,
		Strategy:   result.Strategy,
		Pages:      result.Pages,
		Status:     store.StatusPending,
		UploadedAt: time.Now().UTC(),
	}
	for i, st := range s.stores {
		if err := st.CreateDocument(ctx, doc); err != nil {
			// Undo the registration in stores that already accepted it, so a
			// half-failed upload leaves no pending record anywhere.
			for _, prev := range s.stores[:i] {
				if derr := prev.Delete(ctx, doc.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
					s.logger.Warn("rollback after failed registration",
						"document_id", doc.ID, "error", derr)
				}
			}
			os.Remove(path)
			return uuid.Nil, err
		}
	}

	s.schedule(doc, chunks)

	s.logger.Info("document uploaded",
		"document_id", doc.ID, "filename", stored,
		"pages", result.Pages, "chunks", len(chunks), "strategy", result.Strategy)
	return doc.ID, nil
}

// schedule hands the document to the background embedding pool. The job gets
// its own cancelable context so Remove can abort it; it does not inherit the
// upload request's context, which dies when the request returns.
func (s *Service) schedule(doc store.Document, chunks []textproc.Chunk) {
	jobCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.inflight[doc.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.inflight, doc.ID)
			s.mu.Unlock()
		}()

		select {
		case s.jobs <- struct{}{}:
			defer func() { <-s.jobs }()
		case <-jobCtx.Done():
			return
		}

		s.embedAndSave(jobCtx, doc, chunks)
	}()
}

// embedAndSave runs the background half of an upload: embed every chunk,
// retry the failures once, then persist atomically and flip the status.
func (s *Service) embedAndSave(ctx context.Context, doc store.Document, chunks []textproc.Chunk) {
	s.setStatusAll(ctx, doc.ID, store.StatusEmbedding)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, errs := s.embedder.EmbedBatch(ctx, texts)

	// One retry pass over only the failed chunks; a transient model error
	// should not fail the whole document.
	if failed := embed.FailedIndexes(errs); len(failed) > 0 && ctx.Err() == nil {
		retry := make([]string, len(failed))
		for i, idx := range failed {
			retry[i] = texts[idx]
		}
		retried, retryErrs := s.embedder.EmbedBatch(ctx, retry)
		for i, idx := range failed {
			if retryErrs[i] == nil {
				vectors[idx] = retried[i]
				errs[idx] = nil
			}
		}
	}

	if ctx.Err() != nil {
		// Canceled, most likely by Remove. The document record may already
		// be gone; leave whatever state remains alone.
		s.logger.Debug("embedding canceled", "document_id", doc.ID)
		return
	}

	if failed := embed.FailedIndexes(errs); len(failed) > 0 {
		s.logger.Error("embedding failed",
			"document_id", doc.ID, "failed_chunks", len(failed), "total", len(chunks))
		s.setStatusAll(ctx, doc.ID, store.StatusFailed)
		return
	}

	payload := store.Payload{
		Document: doc,
		Chunks:   chunks,
		Vectors:  vectors,
		ModelID:  s.embedder.ModelID(),
	}
	for _, st := range s.stores {
		if err := st.Save(ctx, payload); err != nil {
			s.logger.Error("save failed", "document_id", doc.ID, "error", err)
			s.setStatusAll(ctx, doc.ID, store.StatusFailed)
			return
		}
	}

	s.setStatusAll(ctx, doc.ID, store.StatusReady)
	s.logger.Info("document ready", "document_id", doc.ID, "chunks", len(chunks))
}

func (s *Service) setStatusAll(ctx context.Context, docID uuid.UUID, status store.Status) {
	for _, st := range s.stores {
		if err := st.SetStatus(ctx, docID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("status update failed",
				"document_id", docID, "status", status, "error", err)
		}
	}
}

// Ask embeds the question and returns the k best matching chunks in scope.
func (s *Service) Ask(ctx context.Context, question string, scope retrieve.Scope, k int) ([]retrieve.Hit, error) {
	vec, err := s.embedder.EmbedOne(ctx, question)
	if err != nil {
		return nil, err
	}
	return s.retriever.Search(ctx, vec, scope, k)
}

// Remove deletes the document everywhere: any in-flight embedding job is
// canceled, every store drops its artifacts, and the stored PDF is removed.
func (s *Service) Remove(ctx context.Context, docID uuid.UUID) error {
	s.mu.Lock()
	if cancel, ok := s.inflight[docID]; ok {
		cancel()
	}
	s.mu.Unlock()

	doc, err := s.primary().Document(ctx, docID)
	if err != nil {
		return err
	}

	for _, st := range s.stores {
		if err := st.Delete(ctx, docID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	pdfPath := filepath.Join(s.cfg.PDFRoot, doc.Filename)
	if err := os.Remove(pdfPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove pdf: %v", store.ErrStore, err)
	}

	s.logger.Info("document removed", "document_id", docID, "filename", doc.Filename)
	return nil
}

// Reprocess re-runs extraction, cleaning, chunking, and embedding for one
// document from its stored PDF, synchronously. Its chunk size is the one
// fixed at upload.
func (s *Service) Reprocess(ctx context.Context, docID uuid.UUID) error {
	reCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Register under the same lock as the busy check, so two concurrent
	// reprocesses of one document cannot both pass and interleave writes.
	// Registration also lets Remove cancel a running reprocess.
	s.mu.Lock()
	if _, busy := s.inflight[docID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, docID)
	}
	s.inflight[docID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, docID)
		s.mu.Unlock()
	}()

	doc, err := s.primary().Document(reCtx, docID)
	if err != nil {
		return err
	}

	result, err := s.extractor.Extract(reCtx, filepath.Join(s.cfg.PDFRoot, doc.Filename))
	if err != nil {
		s.setStatusAll(reCtx, docID, store.StatusFailed)
		return err
	}

	chunks, err := textproc.Split(textproc.Clean(result.Text), doc.ChunkSize)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		s.setStatusAll(reCtx, docID, store.StatusFailed)
		return fmt.Errorf("%w: %s", ErrNoText, doc.Filename)
	}

	doc.Strategy = result.Strategy
	doc.Pages = result.Pages
	s.embedAndSave(reCtx, doc, chunks)

	got, err := s.primary().Document(ctx, docID)
	if err != nil {
		return err
	}
	if got.Status != store.StatusReady {
		return fmt.Errorf("reprocess %s: document is %s", docID, got.Status)
	}
	return nil
}

// ReprocessAll reprocesses every document in the organization, working
// through them in batches. One failed document does not stop the rest; the
// errors come back joined.
func (s *Service) ReprocessAll(ctx context.Context, orgID uuid.UUID) error {
	docs, err := s.primary().Documents(ctx, orgID)
	if err != nil {
		return err
	}

	var errs []error
	for start := 0; start < len(docs); start += reprocessBatchSize {
		end := min(start+reprocessBatchSize, len(docs))

		var wg sync.WaitGroup
		batchErrs := make([]error, end-start)
		for i, doc := range docs[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Reprocess(ctx, doc.ID); err != nil {
					batchErrs[i] = fmt.Errorf("document %s: %w", doc.ID, err)
				}
			}()
		}
		wg.Wait()

		for _, err := range batchErrs {
			if err != nil {
				errs = append(errs, err)
			}
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return errors.Join(errs...)
}

// Status returns the document's pipeline status.
func (s *Service) Status(ctx context.Context, docID uuid.UUID) (store.Status, error) {
	doc, err := s.primary().Document(ctx, docID)
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

// ListDocuments returns the organization's documents.
func (s *Service) ListDocuments(ctx context.Context, orgID uuid.UUID) ([]store.Document, error) {
	return s.primary().Documents(ctx, orgID)
}

// SearchDocuments returns the org's documents whose filename contains query,
// case-insensitively.
func (s *Service) SearchDocuments(ctx context.Context, orgID uuid.UUID, query string) ([]store.Document, error) {
	docs, err := s.primary().Documents(ctx, orgID)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)

	matched := docs[:0:0]
	for _, doc := range docs {
		if strings.Contains(strings.ToLower(doc.Filename), query) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

// PreviewLines returns the first and last n lines of the document's cleaned
// text. Cleaning collapses newlines, so lines here are chunk texts.
func (s *Service) PreviewLines(ctx context.Context, docID uuid.UUID, n int) (head, tail []string, err error) {
	_, chunks, _, err := s.primary().Load(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	if n <= 0 {
		return nil, nil, nil
	}

	for i := 0; i < len(chunks) && i < n; i++ {
		head = append(head, chunks[i].Text)
	}
	for i := max(len(chunks)-n, 0); i < len(chunks); i++ {
		tail = append(tail, chunks[i].Text)
	}
	return head, tail, nil
}

// FetchPDF opens the stored PDF of the org's document with the given
// filename. The caller closes the reader.
func (s *Service) FetchPDF(ctx context.Context, orgID uuid.UUID, filename string) (io.ReadCloser, error) {
	docs, err := s.primary().Documents(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.Filename == filename {
			f, err := os.Open(filepath.Join(s.cfg.PDFRoot, doc.Filename))
			if err != nil {
				return nil, fmt.Errorf("%w: open pdf: %v", store.ErrStore, err)
			}
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, filename)
}

// Close cancels in-flight background work and waits for it to drain.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// storePDF writes the upload to the PDF root under a collision-safe name and
// returns the name actually used. The name is reserved atomically with an
// exclusive create, so concurrent uploads of the same filename get distinct
// suffixes without serializing their body copies: a slow client streaming one
// PDF never blocks other uploads.
func (s *Service) storePDF(r io.Reader, filename string) (stored, path string, err error) {
	stored = sanitizeFilename(filename)
	base := strings.TrimSuffix(stored, filepath.Ext(stored))
	ext := filepath.Ext(stored)

	var f *os.File
	for i := 1; ; i++ {
		path = filepath.Join(s.cfg.PDFRoot, stored)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("%w: store pdf: %v", store.ErrStore, err)
		}
		stored = fmt.Sprintf("%s-%d%s", base, i, ext)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", fmt.Errorf("%w: store pdf: %v", store.ErrStore, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("%w: store pdf: %v", store.ErrStore, err)
	}
	return stored, path, nil
}

// sanitizeFilename strips any path components and guarantees a .pdf name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "document.pdf"
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
