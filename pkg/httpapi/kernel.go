package httpapi

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/sentinelnet/governor/pkg/api"
	"github.com/sentinelnet/governor/pkg/canonicalize"
	"github.com/sentinelnet/governor/pkg/gateway"
	"github.com/sentinelnet/governor/pkg/policy"
)

type signRequest struct {
	Manifest map[string]interface{} `json:"manifest"`
}

// handleKernelSign canonicalizes and signs a manifest (§4.1, §4.2): the
// caller must clear a kernel.sign policy check first, then the manifest's
// JCS-canonical hash is signed by whichever backend the signer chain
// resolved to at startup.
func (h *Handler) handleKernelSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.Manifest == nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "manifest is required", nil)
		return
	}

	actor := requestActor(r)
	decision, err := h.policyEngine.Check(r.Context(), policy.Request{
		Action:    "kernel.sign",
		Actor:     actor,
		Resource:  "manifest",
		Context:   req.Manifest,
		RequestID: requestID(r),
	})
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if !decision.Allowed {
		api.WriteJSONError(w, http.StatusForbidden, "policy.denied", decision.Rationale, map[string]interface{}{"policyId": decision.PolicyID})
		return
	}

	canon, err := canonicalize.JCS(req.Manifest)
	if err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_manifest", err.Error(), nil)
		return
	}
	digest := sha256.Sum256(canon)

	signature, signerKid, err := h.signer.Sign(r.Context(), digest[:])
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	manifestID, _ := req.Manifest["id"].(string)
	if manifestID == "" {
		manifestID = uuid.New().String()
	}
	version, _ := req.Manifest["version"].(string)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"manifestId": manifestID,
		"signerId":   signerKid,
		"signature":  signature,
		"version":    version,
		"ts":         h.clock().UTC().Format(rfc3339Milli),
	})
}

type kernelAuditRequest struct {
	EventType string                 `json:"eventType"`
	Payload   map[string]interface{} `json:"payload"`
}

// handleKernelAudit appends an arbitrary append-only event for callers with
// no more specialized gated-write path of their own. It runs through the C5
// coordinator rather than audit.Chain.Append directly so a caller can retry
// the same write safely with an Idempotency-Key header.
func (h *Handler) handleKernelAudit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "could not read request body", nil)
		return
	}

	var req kernelAuditRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if req.EventType == "" {
		api.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "eventType is required", nil)
		return
	}

	result, err := h.coordinator.Execute(r.Context(), gateway.ExecuteRequest{
		Action:         "kernel.audit",
		Actor:          requestActor(r),
		Resource:       req.EventType,
		Context:        req.Payload,
		RequestID:      requestID(r),
		EventType:      req.EventType,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestBody:    body,
		Write: func(ctx context.Context, tx *sql.Tx) (interface{}, map[string]interface{}, error) {
			return nil, req.Payload, nil
		},
	})
	if err != nil {
		var denied *gateway.PolicyDeniedError
		switch {
		case errors.As(err, &denied):
			api.WriteJSONError(w, http.StatusForbidden, "policy.denied", denied.Decision.Rationale, map[string]interface{}{"policyId": denied.Decision.PolicyID})
		case errors.Is(err, gateway.ErrIdempotencyKeyConflict):
			api.WriteJSONError(w, http.StatusConflict, "idempotency_conflict", err.Error(), nil)
		default:
			api.WriteInternal(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eventId":  result.AuditEventID,
		"replayed": result.Replayed,
	})
}
