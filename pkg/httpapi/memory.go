package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentinelnet/governor/pkg/api"
	"github.com/sentinelnet/governor/pkg/memory"
	"github.com/sentinelnet/governor/pkg/store"
)

type createNodeRequest struct {
	Owner      string                 `json:"owner"`
	Metadata   map[string]interface{} `json:"metadata"`
	PIIFlags   map[string]bool        `json:"piiFlags"`
	LegalHold  bool                   `json:"legalHold"`
	TTLSeconds *int64                 `json:"ttlSeconds"`
	Embedding  *embeddingRequest      `json:"embedding"`
	Artifacts  []memory.Artifact      `json:"artifacts"`
}

type embeddingRequest struct {
	Provider       string    `json:"provider"`
	Namespace      string    `json:"namespace"`
	EmbeddingModel string    `json:"model"`
	Dimension      int       `json:"dimension"`
	Vector         []float64 `json:"vector"`
}

// handleMemoryCreateNode runs the atomic node+vector+audit insert (§4.6).
func (h *Handler) handleMemoryCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.Owner == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "owner is required", nil)
		return
	}

	input := memory.CreateNodeInput{
		Owner:      req.Owner,
		Metadata:   req.Metadata,
		PIIFlags:   req.PIIFlags,
		LegalHold:  req.LegalHold,
		TTLSeconds: req.TTLSeconds,
		Artifacts:  req.Artifacts,
	}
	if req.Embedding != nil {
		if req.Embedding.Namespace == "" {
			req.Embedding.Namespace = "default"
		}
		input.Embedding = &memory.Embedding{
			Provider:       req.Embedding.Provider,
			Namespace:      req.Embedding.Namespace,
			EmbeddingModel: req.Embedding.EmbeddingModel,
			Dimension:      req.Embedding.Dimension,
			VectorData:     req.Embedding.Vector,
		}
	}

	auditCtx := memory.AuditContext{
		ActorID:   requestActor(r),
		RequestID: requestID(r),
	}

	result, err := h.memoryStore.CreateMemoryNode(r.Context(), input, auditCtx)
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrPolicyDenied):
			api.WriteJSONError(w, http.StatusForbidden, "policy.denied", err.Error(), nil)
		case errors.Is(err, store.ErrDuplicateVector):
			api.WriteJSONError(w, http.StatusConflict, "idempotency_conflict", err.Error(), nil)
		default:
			api.WriteInternal(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"memoryNodeId":   result.MemoryNodeID,
		"auditEventId":   result.AuditEventID,
		"embeddingJobId": result.EmbeddingJobID,
	})
}

type searchRequest struct {
	Namespace      string    `json:"namespace"`
	QueryEmbedding []float64 `json:"queryEmbedding"`
	TopK           int       `json:"topK"`
}

// handleMemorySearch ranks completed embeddings in a namespace by cosine
// similarity against the query embedding.
func (h *Handler) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if len(req.QueryEmbedding) == 0 {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "queryEmbedding is required", nil)
		return
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}

	results, err := h.memoryStore.Search(r.Context(), memory.SearchInput{
		Namespace:      req.Namespace,
		QueryEmbedding: req.QueryEmbedding,
		TopK:           req.TopK,
	})
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]interface{}{"memoryNodeId": res.MemoryNodeID, "score": res.Score})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}
