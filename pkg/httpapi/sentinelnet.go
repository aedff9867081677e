package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/sentinelnet/governor/pkg/api"
	"github.com/sentinelnet/governor/pkg/policy"
)

type checkRequest struct {
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Resource  string                 `json:"resource"`
	Context   map[string]interface{} `json:"context"`
	RequestID string                 `json:"requestId"`
	Simulate  bool                   `json:"simulate"`
}

type checkResponse struct {
	Decision        bool     `json:"decision"`
	PolicyID        string   `json:"policyId"`
	PolicyVersion   int      `json:"policyVersion"`
	RuleID          string   `json:"ruleId"`
	Rationale       string   `json:"rationale"`
	EvidenceRefs    []string `json:"evidenceRefs"`
	IsCanarySampled bool     `json:"isCanarySampled"`
	Ts              string   `json:"ts"`
}

// handleSentinelCheck runs the synchronous gated-decision check (§4.4).
// Denies respond 403 carrying the same decision body as an allow, per the
// endpoint table — the caller needs the rationale either way.
func (h *Handler) handleSentinelCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.Action == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "action is required", nil)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	decision, err := h.policyEngine.Check(r.Context(), policy.Request{
		Action:    req.Action,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Context:   req.Context,
		RequestID: req.RequestID,
		Simulate:  req.Simulate,
	})
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	resp := checkResponse{
		Decision:        decision.Allowed,
		PolicyID:        decision.PolicyID,
		PolicyVersion:   decision.PolicyVersion,
		RuleID:          decision.RuleID,
		Rationale:       decision.Rationale,
		EvidenceRefs:    decision.EvidenceRefs,
		IsCanarySampled: decision.IsCanarySampled,
		Ts:              decision.Ts.UTC().Format(rfc3339Milli),
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, resp)
}

type createPolicyRequest struct {
	PolicyID          string          `json:"policyId"`
	Name              string          `json:"name"`
	Severity          policy.Severity `json:"severity"`
	Scope             string          `json:"scope"`
	Rule              string          `json:"rule"`
	Metadata          policy.Metadata `json:"metadata"`
	CreatedBy         string          `json:"createdBy"`
	Activate          bool            `json:"activate"`
	RequiredApprovals int             `json:"requiredApprovals"`
	EligibleApprovers []string        `json:"eligibleApprovers"`
}

// handleSentinelPolicyCreate creates or versions a policy. A HIGH/CRITICAL
// severity policy requesting activation opens a multi-signature upgrade
// record instead of activating directly (§4.4, §4.8's quorum pattern
// reused for policy lifecycle gating).
func (h *Handler) handleSentinelPolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.Rule == "" || req.Scope == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "scope and rule are required", nil)
		return
	}
	if req.PolicyID == "" {
		req.PolicyID = uuid.New().String()
	}

	p := &policy.Policy{
		PolicyID:  req.PolicyID,
		Version:   1,
		Name:      req.Name,
		Severity:  req.Severity,
		Scope:     req.Scope,
		Rule:      req.Rule,
		Metadata:  req.Metadata,
		State:     policy.StateDraft,
		CreatedBy: req.CreatedBy,
	}
	if existing, ok := h.policyEngine.GetPolicy(req.PolicyID); ok {
		p.Version = existing.Version + 1
	}

	if err := h.policyEngine.LoadPolicy(p); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_policy", err.Error(), nil)
		return
	}

	if !req.Activate {
		writeJSON(w, http.StatusCreated, map[string]interface{}{"policy": p})
		return
	}

	if p.Severity.RequiresMultiSig() {
		requiredApprovals := req.RequiredApprovals
		if requiredApprovals <= 0 {
			requiredApprovals = h.upgradeRequiredApprovals
		}
		eligible := req.EligibleApprovers
		if len(eligible) == 0 {
			eligible = h.upgradeApproverIDs
		}
		upgradeReq, err := h.lifecycle.RequestUpgrade(r.Context(), p.PolicyID, requiredApprovals, eligible, h.upgradeTimeout)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "pending_multisig", "upgradeId": upgradeReq.ID})
		return
	}

	if err := h.lifecycle.Transition(r.Context(), p.PolicyID, policy.StateActive, ""); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_transition", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"policy": p})
}

// handleSentinelPolicyExplain returns a policy plus its recent decisions,
// read directly off the audit chain rather than an in-memory decision log
// (the chain is the one durable record of every policy.decision event).
func (h *Handler) handleSentinelPolicyExplain(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("id")
	p, ok := h.policyEngine.GetPolicy(policyID)
	if !ok {
		api.WriteJSONError(w, http.StatusNotFound, "not_found", "no such policy", nil)
		return
	}

	decisions, err := h.auditChain.RecentByPayloadField(r.Context(), "policy.decision", "policyId", policyID, 20)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": p, "recentDecisions": decisions})
}
