package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/extract"
	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/pipeline"
	"github.com/koopa0/paperbase/internal/retrieve"
	"github.com/koopa0/paperbase/internal/store"
)

// maxUploadBytes caps a single PDF upload.
const maxUploadBytes = 64 << 20 // 64 MiB

// defaultPreviewLines is how many head/tail lines a preview returns when
// the request does not say.
const defaultPreviewLines = 5

// Pipeline is the slice of pipeline.Service the handlers need.
type Pipeline interface {
	Upload(ctx context.Context, r io.Reader, filename string, chunkSize int, orgID uuid.UUID) (uuid.UUID, error)
	Ask(ctx context.Context, question string, scope retrieve.Scope, k int) ([]retrieve.Hit, error)
	Remove(ctx context.Context, docID uuid.UUID) error
	Reprocess(ctx context.Context, docID uuid.UUID) error
	Status(ctx context.Context, docID uuid.UUID) (store.Status, error)
	ListDocuments(ctx context.Context, orgID uuid.UUID) ([]store.Document, error)
	SearchDocuments(ctx context.Context, orgID uuid.UUID, query string) ([]store.Document, error)
	PreviewLines(ctx context.Context, docID uuid.UUID, n int) (head, tail []string, err error)
	FetchPDF(ctx context.Context, orgID uuid.UUID, filename string) (io.ReadCloser, error)
	DefaultOrg() uuid.UUID
}

// DocumentsHandler serves document CRUD and derived views.
type DocumentsHandler struct {
	pipeline Pipeline
	logger   log.Logger
}

func NewDocumentsHandler(p Pipeline, logger log.Logger) *DocumentsHandler {
	return &DocumentsHandler{pipeline: p, logger: logger}
}

// RegisterRoutes registers document routes on the mux.
func (h *DocumentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents", h.upload)
	mux.HandleFunc("GET /api/documents", h.list)
	mux.HandleFunc("GET /api/documents/{id}", h.get)
	mux.HandleFunc("DELETE /api/documents/{id}", h.remove)
	mux.HandleFunc("POST /api/documents/{id}/reprocess", h.reprocess)
	mux.HandleFunc("GET /api/documents/{id}/preview", h.preview)
	mux.HandleFunc("GET /api/pdfs/{filename}", h.fetchPDF)
}

// documentResponse is the wire form of a document record.
type documentResponse struct {
	ID         uuid.UUID `json:"id"`
	Filename   string    `json:"filename"`
	ChunkSize  int       `json:"chunk_size"`
	Strategy   string    `json:"strategy,omitempty"`
	Pages      int       `json:"pages"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func toDocumentResponse(doc store.Document) documentResponse {
	return documentResponse{
		ID:         doc.ID,
		Filename:   doc.Filename,
		ChunkSize:  doc.ChunkSize,
		Strategy:   doc.Strategy,
		Pages:      doc.Pages,
		Status:     string(doc.Status),
		UploadedAt: doc.UploadedAt,
	}
}

func (h *DocumentsHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", `multipart field "file" is required`)
		return
	}
	defer file.Close()

	chunkSize := 0
	if raw := r.FormValue("chunk_size"); raw != "" {
		chunkSize, err = strconv.Atoi(raw)
		if err != nil || chunkSize <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "chunk_size must be a positive integer")
			return
		}
	}

	docID, err := h.pipeline.Upload(r.Context(), file, header.Filename, chunkSize, h.pipeline.DefaultOrg())
	if err != nil {
		h.writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     docID,
		"status": string(store.StatusPending),
	})
}

func (h *DocumentsHandler) list(w http.ResponseWriter, r *http.Request) {
	var (
		docs []store.Document
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		docs, err = h.pipeline.SearchDocuments(r.Context(), h.pipeline.DefaultOrg(), q)
	} else {
		docs, err = h.pipeline.ListDocuments(r.Context(), h.pipeline.DefaultOrg())
	}
	if err != nil {
		h.writePipelineError(w, err)
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentResponse(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (h *DocumentsHandler) get(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	// Status is a point read; the full record comes from the listing to
	// keep the pipeline surface small.
	status, err := h.pipeline.Status(r.Context(), docID)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     docID,
		"status": string(status),
	})
}

func (h *DocumentsHandler) remove(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.pipeline.Remove(r.Context(), docID); err != nil {
		h.writePipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentsHandler) reprocess(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.pipeline.Reprocess(r.Context(), docID); err != nil {
		h.writePipelineError(w, err)
		return
	}
	status, err := h.pipeline.Status(r.Context(), docID)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     docID,
		"status": string(status),
	})
}

func (h *DocumentsHandler) preview(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n := defaultPreviewLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		var err error
		n, err = strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "lines must be a positive integer")
			return
		}
	}

	head, tail, err := h.pipeline.PreviewLines(r.Context(), docID, n)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":   docID,
		"head": head,
		"tail": tail,
	})
}

func (h *DocumentsHandler) fetchPDF(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")

	rc, err := h.pipeline.FetchPDF(r.Context(), h.pipeline.DefaultOrg(), filename)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("pdf download aborted", "filename", filename, "error", err)
	}
}

func (h *DocumentsHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "document id must be a UUID")
		return uuid.Nil, false
	}
	return docID, true
}

// writePipelineError maps pipeline sentinels to HTTP statuses.
func (h *DocumentsHandler) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, extract.ErrExtraction), errors.Is(err, pipeline.ErrNoText):
		writeError(w, http.StatusUnprocessableEntity, "unprocessable", err.Error())
	case errors.Is(err, pipeline.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
