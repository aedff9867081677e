// Package httpapi exposes the governance surface described in SPEC_FULL.md
// §6 as Go 1.22+ pattern-based net/http handlers: sentinelnet (policy
// check/lifecycle), kernel (sign/audit), memory (write/search), eval
// (hysteresis scoring), and alloc (the C8 allocation state machine).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/auth"
	"github.com/sentinelnet/governor/pkg/crypto"
	"github.com/sentinelnet/governor/pkg/escalation"
	"github.com/sentinelnet/governor/pkg/gateway"
	"github.com/sentinelnet/governor/pkg/memory"
	"github.com/sentinelnet/governor/pkg/policy"
	"github.com/sentinelnet/governor/pkg/workflow"
)

// Handler wires the HTTP surface to the component set SPEC_FULL.md names:
// C3 (audit), C4 (policy), C5 (gateway), C6 (memory), C8 (workflow).
type Handler struct {
	policyEngine *policy.Engine
	lifecycle    *policy.Lifecycle
	coordinator  *gateway.Coordinator
	auditChain   *audit.Chain
	signer       crypto.DigestSigner
	memoryStore  *memory.PostgresMemoryStore
	scorer       *workflow.Scorer
	allocator    *workflow.Allocator
	approvals    *escalation.Manager

	upgradeRequiredApprovals int
	upgradeApproverIDs       []string
	upgradeTimeout           time.Duration

	clock func() time.Time
}

// Config groups the constructor args that aren't themselves components.
type Config struct {
	UpgradeRequiredApprovals int
	UpgradeApproverIDs       []string
	UpgradeTimeout           time.Duration
}

func NewHandler(
	policyEngine *policy.Engine,
	lifecycle *policy.Lifecycle,
	coordinator *gateway.Coordinator,
	auditChain *audit.Chain,
	signer crypto.DigestSigner,
	memoryStore *memory.PostgresMemoryStore,
	scorer *workflow.Scorer,
	allocator *workflow.Allocator,
	approvals *escalation.Manager,
	cfg Config,
) *Handler {
	return &Handler{
		policyEngine:             policyEngine,
		lifecycle:                lifecycle,
		coordinator:              coordinator,
		auditChain:               auditChain,
		signer:                   signer,
		memoryStore:              memoryStore,
		scorer:                   scorer,
		allocator:                allocator,
		approvals:                approvals,
		upgradeRequiredApprovals: cfg.UpgradeRequiredApprovals,
		upgradeApproverIDs:       cfg.UpgradeApproverIDs,
		upgradeTimeout:           cfg.UpgradeTimeout,
		clock:                    time.Now,
	}
}

func (h *Handler) WithClock(clock func() time.Time) *Handler { h.clock = clock; return h }

// RegisterRoutes registers the governance API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sentinelnet/check", h.handleSentinelCheck)
	mux.HandleFunc("POST /sentinelnet/policy", h.handleSentinelPolicyCreate)
	mux.HandleFunc("GET /sentinelnet/policy/{id}/explain", h.handleSentinelPolicyExplain)

	mux.HandleFunc("POST /kernel/sign", h.handleKernelSign)
	mux.HandleFunc("POST /kernel/audit", h.handleKernelAudit)

	mux.HandleFunc("POST /memory/nodes", h.handleMemoryCreateNode)
	mux.HandleFunc("POST /memory/search", h.handleMemorySearch)

	mux.HandleFunc("POST /eval/submit", h.handleEvalSubmit)

	mux.HandleFunc("POST /alloc/request", h.handleAllocRequest)
	mux.HandleFunc("POST /alloc/approve", h.handleAllocApprove)
	mux.HandleFunc("POST /alloc/settle", h.handleAllocSettle)
}

// requestActor extracts the acting principal id the same way every handler
// needs it: from the authenticated principal when auth middleware ran,
// falling back to the X-Actor-ID header for service-to-service callers
// authenticated by mTLS at the transport layer.
func requestActor(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		return p.GetID()
	}
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return v
	}
	return "system"
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

// MemoryPolicyAdapter adapts *policy.Engine's Check(ctx, Request) shape to
// memory.PolicyChecker's narrower positional signature, so cmd/governor can
// hand the same policy engine to both the allocator (which takes
// *policy.Engine directly) and the memory store (which doesn't).
type MemoryPolicyAdapter struct {
	Engine *policy.Engine
}

func (a *MemoryPolicyAdapter) Check(ctx context.Context, action, actor, resource string, requestContext map[string]interface{}) (memory.PolicyDecision, error) {
	decision, err := a.Engine.Check(ctx, policy.Request{
		Action:   action,
		Actor:    actor,
		Resource: resource,
		Context:  requestContext,
	})
	if err != nil {
		return memory.PolicyDecision{}, err
	}
	return memory.PolicyDecision{
		Allowed:   decision.Allowed,
		PolicyID:  decision.PolicyID,
		RuleID:    decision.RuleID,
		Rationale: decision.Rationale,
	}, nil
}
