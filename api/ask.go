package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/koopa0/paperbase/internal/log"
	"github.com/koopa0/paperbase/internal/retrieve"
)

// defaultTopK is the hit count when the request does not specify one.
const defaultTopK = 5

// maxTopK caps a single retrieval request.
const maxTopK = 50

// AskHandler serves retrieval queries.
type AskHandler struct {
	pipeline Pipeline
	logger   log.Logger
}

func NewAskHandler(p Pipeline, logger log.Logger) *AskHandler {
	return &AskHandler{pipeline: p, logger: logger}
}

// RegisterRoutes registers the ask route on the mux.
func (h *AskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ask", h.ask)
}

type askRequest struct {
	Question    string      `json:"question"`
	TopK        int         `json:"top_k"`
	DocumentIDs []uuid.UUID `json:"document_ids"`
}

type hitResponse struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
}

func (h *AskHandler) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "question is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	scope := retrieve.Scope{
		OrgID:       h.pipeline.DefaultOrg(),
		DocumentIDs: req.DocumentIDs,
	}
	hits, err := h.pipeline.Ask(r.Context(), req.Question, scope, req.TopK)
	if err != nil {
		h.logger.Error("ask failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "retrieval failed")
		return
	}

	out := make([]hitResponse, 0, len(hits))
	for _, hit := range hits {
		out = append(out, hitResponse{
			DocumentID: hit.DocumentID,
			ChunkIndex: hit.ChunkIndex,
			Text:       hit.Text,
			Score:      hit.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": out})
}
