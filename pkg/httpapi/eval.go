package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/sentinelnet/governor/pkg/api"
	"github.com/sentinelnet/governor/pkg/workflow"
)

type evalSubmitRequest struct {
	AgentID    string             `json:"agentId"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	Confidence float64            `json:"confidence"`
	WindowID   int                `json:"windowId"`
}

// handleEvalSubmit ingests one scoring window and runs the hysteresis
// check (§4.8 step 1): three consecutive windows clearing threshold emit a
// Promotion in the response body.
func (h *Handler) handleEvalSubmit(w http.ResponseWriter, r *http.Request) {
	var req evalSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.AgentID == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "agentId is required", nil)
		return
	}

	promotion := h.scorer.Ingest(workflow.EvalReport{
		AgentID:    req.AgentID,
		Score:      req.Score,
		Components: req.Components,
		Confidence: req.Confidence,
		WindowID:   req.WindowID,
		At:         h.clock(),
	})

	resp := map[string]interface{}{
		"reportId": uuid.New().String(),
		"score":    req.Score,
	}
	if promotion != nil {
		resp["promotion"] = promotion
	}
	writeJSON(w, http.StatusOK, resp)
}
