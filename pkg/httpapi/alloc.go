package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sentinelnet/governor/pkg/api"
	"github.com/sentinelnet/governor/pkg/escalation/ceremony"
	"github.com/sentinelnet/governor/pkg/finance"
	"github.com/sentinelnet/governor/pkg/workflow"
)

type allocRequestBody struct {
	PromotionID string         `json:"promotionId"`
	EntityID    string         `json:"entityId"`
	Pool        string         `json:"pool"`
	Delta       float64        `json:"delta"`
	Amount      *finance.Money `json:"amount"`
	Reason      string         `json:"reason"`
	DependsOnID string         `json:"dependsOnId"`
}

// handleAllocRequest opens an AllocationRequest and runs the §4.8 routing
// decision synchronously: policy deny -> rejected, budgeted amount ->
// pending_finance, delta at or above the auto-apply ceiling ->
// pending_multisig, else applied immediately.
func (h *Handler) handleAllocRequest(w http.ResponseWriter, r *http.Request) {
	var req allocRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.Pool == "" || req.EntityID == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "pool and entityId are required", nil)
		return
	}

	alloc, err := h.allocator.CreateAllocation(r.Context(), workflow.CreateAllocationInput{
		PromotionID: req.PromotionID,
		EntityID:    req.EntityID,
		Pool:        req.Pool,
		Delta:       req.Delta,
		Amount:      req.Amount,
		Reason:      req.Reason,
		DependsOnID: req.DependsOnID,
		RequestID:   requestID(r),
		Actor:       requestActor(r),
	})
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	status := http.StatusCreated
	if alloc.Status == workflow.AllocationRejected {
		status = http.StatusForbidden
	}
	writeJSON(w, status, allocationResponse(alloc))
}

type allocApproveBody struct {
	AllocationID string `json:"allocationId"`
	ApproverID   string `json:"approverId"`

	// Ceremony fields (§4.8): the approver's client must complete a
	// minimum timelock/hold before the vote counts toward quorum, so a
	// reflexive click on a HIGH/CRITICAL allocation can't satisfy
	// multi-sig. See pkg/escalation/ceremony.
	TimelockMs    int64  `json:"timelockMs"`
	HoldMs        int64  `json:"holdMs"`
	UISummaryHash string `json:"uiSummaryHash"`
	ChallengeHash string `json:"challengeHash,omitempty"`
	ResponseHash  string `json:"responseHash,omitempty"`
	LamportHeight uint64 `json:"lamportHeight"`
	SignerKeyID   string `json:"signerKeyId"`
	Signature     string `json:"signature"`
	SubmittedAt   int64  `json:"submittedAtUnix"`
}

// handleAllocApprove validates the approver's ceremony, records the vote,
// and, once quorum is reached, applies the allocation in the same call.
func (h *Handler) handleAllocApprove(w http.ResponseWriter, r *http.Request) {
	var req allocApproveBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.AllocationID == "" || req.ApproverID == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "allocationId and approverId are required", nil)
		return
	}

	ceremonyResult := ceremony.ValidateCeremony(ceremony.DefaultPolicy(), ceremony.CeremonyRequest{
		SubjectID:     req.AllocationID,
		TimelockMs:    req.TimelockMs,
		HoldMs:        req.HoldMs,
		UISummaryHash: req.UISummaryHash,
		ChallengeHash: req.ChallengeHash,
		ResponseHash:  req.ResponseHash,
		LamportHeight: req.LamportHeight,
		SignerKeyID:   req.SignerKeyID,
		Signature:     req.Signature,
		SubmittedAt:   req.SubmittedAt,
	})
	if !ceremonyResult.Valid {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "approval ceremony rejected: "+ceremonyResult.Reason, nil)
		return
	}

	if _, err := h.allocator.ApproveMultisig(r.Context(), req.AllocationID, req.ApproverID); err != nil {
		writeAllocError(w, err)
		return
	}

	alloc, err := h.allocator.ApplyMultisig(r.Context(), req.AllocationID)
	var insufficient *workflow.InsufficientQuorumError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"error":    "insufficient_quorum",
			"required": insufficient.Required,
			"missing":  insufficient.Missing,
		})
		return
	}
	if err != nil {
		writeAllocError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocationResponse(alloc))
}

type allocSettleBody struct {
	AllocationID string                 `json:"allocationId"`
	Entries      []workflow.LedgerEntry `json:"entries"`
	Signature    string                 `json:"signature"`
	SignerKid    string                 `json:"signerKid"`
}

// handleAllocSettle verifies a Finance-issued ledger proof and applies a
// pending_finance allocation.
func (h *Handler) handleAllocSettle(w http.ResponseWriter, r *http.Request) {
	var req allocSettleBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.AllocationID == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "allocationId is required", nil)
		return
	}

	alloc, err := h.allocator.SettleFinance(r.Context(), req.AllocationID, workflow.LedgerProof{
		Entries:   req.Entries,
		Signature: req.Signature,
		SignerKid: req.SignerKid,
	})
	if err != nil {
		writeAllocError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocationResponse(alloc))
}

func writeAllocError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrAllocationNotFound):
		api.WriteJSONError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, workflow.ErrAllocationNotPending),
		errors.Is(err, workflow.ErrLedgerNotBalanced),
		errors.Is(err, workflow.ErrLedgerSignatureInvalid):
		api.WriteJSONError(w, http.StatusConflict, "invalid_state", err.Error(), nil)
	default:
		api.WriteInternal(w, err)
	}
}

func allocationResponse(a *workflow.AllocationRequest) map[string]interface{} {
	resp := map[string]interface{}{
		"id":               a.ID,
		"promotionId":      a.PromotionID,
		"entityId":         a.EntityID,
		"pool":             a.Pool,
		"delta":            a.Delta,
		"reason":           a.Reason,
		"status":           a.Status,
		"sentinelDecision": a.SentinelDecision,
		"createdAt":        a.CreatedAt.UTC().Format(rfc3339Milli),
	}
	if a.AppliedAt != nil {
		resp["appliedAt"] = a.AppliedAt.UTC().Format(rfc3339Milli)
	}
	if a.AppliedBy != "" {
		resp["appliedBy"] = a.AppliedBy
	}
	return resp
}
