package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/retrieve"
	"github.com/koopa0/paperbase/internal/textproc"
)

// lockRetryDelay is the polling interval while waiting for another process
// to release a document's file lock.
const lockRetryDelay = 50 * time.Millisecond

// vecMagic marks the head of a vector file so a truncated or foreign file is
// rejected before any float is read.
const vecMagic = uint32(0x50425643) // "PBVC"

// FileStore persists documents as flat files under two roots:
//
//	<textsRoot>/<id>.txt    cleaned text, reconstructable into chunks
//	<textsRoot>/<id>.json   document metadata
//	<vectorsRoot>/<id>.vec  binary vectors, one row per chunk
//
// Chunks are not stored separately: the cleaned text plus the document's
// recorded chunk size re-derives them exactly, because chunking is
// deterministic. Writes go through a temp file and rename, guarded by a
// per-document advisory lock, so concurrent processes never observe a
// half-written document.
type FileStore struct {
	textsRoot   string
	vectorsRoot string
	dim         int
	logger      log.Logger
}

// fileMeta is the on-disk metadata sidecar.
type fileMeta struct {
	ID         uuid.UUID `json:"id"`
	OrgID      uuid.UUID `json:"org_id"`
	Filename   string    `json:"filename"`
	ChunkSize  int       `json:"chunk_size"`
	Strategy   string    `json:"strategy"`
	Pages      int       `json:"pages"`
	Status     Status    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
	ModelID    string    `json:"model_id,omitempty"`
	Chunks     int       `json:"chunks"`
}

// NewFileStore creates a FileStore rooted at the given directories, creating
// them if needed. dim is the vector dimensionality every save must match.
func NewFileStore(textsRoot, vectorsRoot string, dim int, logger log.Logger) (*FileStore, error) {
	for _, dir := range []string{textsRoot, vectorsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrStore, dir, err)
		}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &FileStore{
		textsRoot:   textsRoot,
		vectorsRoot: vectorsRoot,
		dim:         dim,
		logger:      logger.With("component", "filestore"),
	}, nil
}

func (s *FileStore) metaPath(id uuid.UUID) string {
	return filepath.Join(s.textsRoot, id.String()+".json")
}

func (s *FileStore) textPath(id uuid.UUID) string {
	return filepath.Join(s.textsRoot, id.String()+".txt")
}

func (s *FileStore) vecPath(id uuid.UUID) string {
	return filepath.Join(s.vectorsRoot, id.String()+".vec")
}

func (s *FileStore) lockPath(id uuid.UUID) string {
	return filepath.Join(s.vectorsRoot, id.String()+".lock")
}

// withLock runs fn while holding the document's advisory file lock.
func (s *FileStore) withLock(ctx context.Context, id uuid.UUID, fn func() error) error {
	lock := flock.New(s.lockPath(id))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrStore, id, err)
	}
	if !locked {
		return fmt.Errorf("%w: lock %s not acquired", ErrStore, id)
	}
	defer lock.Unlock() //nolint:errcheck

	return fn()
}

// CreateDocument writes the metadata sidecar. The document starts pending
// with no text or vectors on disk.
func (s *FileStore) CreateDocument(ctx context.Context, doc Document) error {
	return s.withLock(ctx, doc.ID, func() error {
		meta := fileMeta{
			ID:         doc.ID,
			OrgID:      doc.OrgID,
			Filename:   doc.Filename,
			ChunkSize:  doc.ChunkSize,
			Strategy:   doc.Strategy,
			Pages:      doc.Pages,
			Status:     doc.Status,
			UploadedAt: doc.UploadedAt,
		}
		if meta.Status == "" {
			meta.Status = StatusPending
		}
		return s.writeMeta(meta)
	})
}

// SetStatus rewrites the metadata sidecar with the new status.
func (s *FileStore) SetStatus(ctx context.Context, docID uuid.UUID, status Status) error {
	return s.withLock(ctx, docID, func() error {
		meta, err := s.readMeta(docID)
		if err != nil {
			return err
		}
		meta.Status = status
		return s.writeMeta(meta)
	})
}

// Document returns the stored document record.
func (s *FileStore) Document(ctx context.Context, docID uuid.UUID) (Document, error) {
	meta, err := s.readMeta(docID)
	if err != nil {
		return Document{}, err
	}
	return meta.document(), nil
}

// Documents lists the organization's documents, ordered by upload time.
func (s *FileStore) Documents(ctx context.Context, orgID uuid.UUID) ([]Document, error) {
	entries, err := os.ReadDir(s.textsRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStore, s.textsRoot, err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id, err := uuid.Parse(entry.Name()[:len(entry.Name())-len(".json")])
		if err != nil {
			continue // stray file, not a document sidecar
		}
		meta, err := s.readMeta(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between ReadDir and here
			}
			return nil, err
		}
		if meta.OrgID == orgID {
			docs = append(docs, meta.document())
		}
	}

	sortDocuments(docs)
	return docs, nil
}

// Save writes text and vectors via temp files, then renames both into place
// under the document lock. Validation happens before any byte is written.
func (s *FileStore) Save(ctx context.Context, p Payload) error {
	if err := p.Validate(s.dim); err != nil {
		return err
	}

	return s.withLock(ctx, p.Document.ID, func() error {
		text := textproc.Join(p.Chunks)
		if err := writeFileAtomic(s.textPath(p.Document.ID), []byte(text)); err != nil {
			return fmt.Errorf("%w: write text: %v", ErrStore, err)
		}

		data := encodeVectors(p.Vectors, s.dim)
		if err := writeFileAtomic(s.vecPath(p.Document.ID), data); err != nil {
			// Roll the text file back so the two never disagree.
			os.Remove(s.textPath(p.Document.ID))
			return fmt.Errorf("%w: write vectors: %v", ErrStore, err)
		}

		meta := fileMeta{
			ID:         p.Document.ID,
			OrgID:      p.Document.OrgID,
			Filename:   p.Document.Filename,
			ChunkSize:  p.Document.ChunkSize,
			Strategy:   p.Document.Strategy,
			Pages:      p.Document.Pages,
			Status:     p.Document.Status,
			UploadedAt: p.Document.UploadedAt,
			ModelID:    p.ModelID,
			Chunks:     len(p.Chunks),
		}
		return s.writeMeta(meta)
	})
}

// BulkSave saves each payload independently; the first failure is returned
// but earlier documents stay saved.
func (s *FileStore) BulkSave(ctx context.Context, payloads []Payload) error {
	for _, p := range payloads {
		if err := s.Save(ctx, p); err != nil {
			return fmt.Errorf("document %s: %w", p.Document.ID, err)
		}
	}
	return nil
}

// Load reads the document, re-derives its chunks from the cleaned text, and
// decodes its vectors.
func (s *FileStore) Load(ctx context.Context, docID uuid.UUID) (Document, []textproc.Chunk, [][]float32, error) {
	meta, err := s.readMeta(docID)
	if err != nil {
		return Document{}, nil, nil, err
	}

	raw, err := os.ReadFile(s.textPath(docID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Registered but not yet saved: no chunks, no vectors.
			return meta.document(), nil, nil, nil
		}
		return Document{}, nil, nil, fmt.Errorf("%w: read text: %v", ErrStore, err)
	}

	chunks, err := textproc.Split(string(raw), meta.ChunkSize)
	if err != nil {
		return Document{}, nil, nil, fmt.Errorf("%w: re-chunk: %v", ErrStore, err)
	}

	data, err := os.ReadFile(s.vecPath(docID))
	if err != nil {
		return Document{}, nil, nil, fmt.Errorf("%w: read vectors: %v", ErrStore, err)
	}
	vectors, err := decodeVectors(data)
	if err != nil {
		return Document{}, nil, nil, err
	}
	if len(vectors) != len(chunks) {
		return Document{}, nil, nil, fmt.Errorf("%w: %d vectors for %d chunks",
			ErrStore, len(vectors), len(chunks))
	}

	return meta.document(), chunks, vectors, nil
}

// Delete removes every artifact the document owns. Missing documents return
// ErrNotFound; a second delete of the same document is therefore an error,
// not a no-op.
func (s *FileStore) Delete(ctx context.Context, docID uuid.UUID) error {
	err := s.withLock(ctx, docID, func() error {
		if _, err := s.readMeta(docID); err != nil {
			return err
		}
		for _, path := range []string{s.metaPath(docID), s.textPath(docID), s.vecPath(docID)} {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: remove %s: %v", ErrStore, path, err)
			}
		}
		s.logger.Debug("document deleted", "document_id", docID)
		return nil
	})
	if err != nil {
		return err
	}

	// The lock file itself can only go after the flock is released. A racing
	// locker recreates it, which is harmless.
	if err := os.Remove(s.lockPath(docID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove lock file", "document_id", docID, "error", err)
	}
	return nil
}

// Candidates loads every chunk of every ready document in scope. The file
// backend has no index, so search over it is always in-process.
func (s *FileStore) Candidates(ctx context.Context, scope retrieve.Scope) ([]retrieve.Candidate, error) {
	docs, err := s.Documents(ctx, scope.OrgID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[uuid.UUID]bool, len(scope.DocumentIDs))
	for _, id := range scope.DocumentIDs {
		wanted[id] = true
	}

	var candidates []retrieve.Candidate
	for _, doc := range docs {
		if doc.Status != StatusReady {
			continue
		}
		if len(wanted) > 0 && !wanted[doc.ID] {
			continue
		}

		_, chunks, vectors, err := s.Load(ctx, doc.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		for i, chunk := range chunks {
			candidates = append(candidates, retrieve.Candidate{
				DocumentID: doc.ID,
				ChunkIndex: chunk.Index,
				Text:       chunk.Text,
				Vector:     vectors[i],
			})
		}
	}
	return candidates, nil
}

func (s *FileStore) readMeta(id uuid.UUID) (fileMeta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileMeta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fileMeta{}, fmt.Errorf("%w: read meta: %v", ErrStore, err)
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fileMeta{}, fmt.Errorf("%w: decode meta %s: %v", ErrStore, id, err)
	}
	return meta, nil
}

func (s *FileStore) writeMeta(meta fileMeta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode meta: %v", ErrStore, err)
	}
	if err := writeFileAtomic(s.metaPath(meta.ID), raw); err != nil {
		return fmt.Errorf("%w: write meta: %v", ErrStore, err)
	}
	return nil
}

func (m fileMeta) document() Document {
	return Document{
		ID:         m.ID,
		OrgID:      m.OrgID,
		Filename:   m.Filename,
		ChunkSize:  m.ChunkSize,
		Strategy:   m.Strategy,
		Pages:      m.Pages,
		Status:     m.Status,
		UploadedAt: m.UploadedAt,
	}
}

// writeFileAtomic writes via a temp file in the target directory and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// encodeVectors serializes vectors as little-endian float32 rows behind a
// small header: magic, row count, dimension.
func encodeVectors(vectors [][]float32, dim int) []byte {
	buf := make([]byte, 12+len(vectors)*dim*4)
	binary.LittleEndian.PutUint32(buf[0:], vecMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(dim))

	off := 12
	for _, vec := range vectors {
		for _, f := range vec {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	}
	return buf
}

func decodeVectors(data []byte) ([][]float32, error) {
	if len(data) < 12 || binary.LittleEndian.Uint32(data[0:]) != vecMagic {
		return nil, fmt.Errorf("%w: vector file corrupt", ErrStore)
	}
	count := int(binary.LittleEndian.Uint32(data[4:]))
	dim := int(binary.LittleEndian.Uint32(data[8:]))
	if len(data) != 12+count*dim*4 {
		return nil, fmt.Errorf("%w: vector file truncated", ErrStore)
	}

	vectors := make([][]float32, count)
	off := 12
	for i := range vectors {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vectors[i] = vec
	}
	return vectors, nil
}
