// Package gateway implements the gated write coordinator (C5): the
// transactional envelope every privileged mutation goes through —
// policy.check, then the domain write, then audit.append, all inside one
// transaction — plus the idempotency-key surface in front of it.
package gateway

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/policy"
)

// PolicyChecker is the subset of policy.Engine the coordinator depends on.
type PolicyChecker interface {
	Check(ctx context.Context, req policy.Request) (*policy.Decision, error)
}

// PolicyDeniedError wraps the denying policy.Decision so callers can map it
// to an HTTP 403 with the decision's rationale.
type PolicyDeniedError struct {
	Decision *policy.Decision
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("gateway: denied by policy %s: %s", e.Decision.PolicyID, e.Decision.Rationale)
}

// ErrIdempotencyKeyConflict is returned when a request reuses an
// Idempotency-Key with a body that hashes differently from the first use.
var ErrIdempotencyKeyConflict = errors.New("gateway: idempotency_key_conflict")

// DomainWriteFunc performs the caller's domain mutation inside the
// coordinator's transaction and returns the response to hand back to the
// caller plus the payload to audit. It must not commit or roll back tx
// itself.
type DomainWriteFunc func(ctx context.Context, tx *sql.Tx) (response interface{}, auditPayload map[string]interface{}, err error)

// ExecuteRequest is one gated write.
type ExecuteRequest struct {
	Action         string
	Actor          string
	Resource       string
	Context        map[string]interface{}
	RequestID      string
	EventType      string
	IdempotencyKey string
	RequestBody    []byte
	Write          DomainWriteFunc
}

// ExecuteResult is returned on a successful (or idempotently replayed) write.
type ExecuteResult struct {
	Response     interface{}
	AuditEventID string
	Replayed     bool
}

// Coordinator is the C5 gated write coordinator.
type Coordinator struct {
	db          *sql.DB
	policy      PolicyChecker
	audit       *audit.Chain
	idempotency IdempotencyStore
}

func NewCoordinator(db *sql.DB, checker PolicyChecker, auditChain *audit.Chain, idempotency IdempotencyStore) *Coordinator {
	return &Coordinator{db: db, policy: checker, audit: auditChain, idempotency: idempotency}
}

// Execute runs the §4.5 envelope: idempotency check, policy.check, domain
// write, audit.append, commit — atomically, or not at all.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	requestHash := hashRequestBody(req.RequestBody)

	if req.IdempotencyKey != "" && c.idempotency != nil {
		existing, err := c.idempotency.Get(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("gateway: idempotency lookup: %w", err)
		}
		if existing != nil {
			if existing.RequestHash != requestHash {
				return nil, ErrIdempotencyKeyConflict
			}
			return &ExecuteResult{Response: existing.Response, AuditEventID: existing.AuditEventID, Replayed: true}, nil
		}
	}

	decision, err := c.policy.Check(ctx, policy.Request{
		Action:    req.Action,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Context:   req.Context,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: policy check: %w", err)
	}
	if !decision.Allowed {
		return nil, &PolicyDeniedError{Decision: decision}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	response, domainPayload, err := req.Write(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("gateway: domain write: %w", err)
	}

	auditPayload := map[string]interface{}{
		"action":    req.Action,
		"actor":     req.Actor,
		"resource":  req.Resource,
		"requestId": req.RequestID,
		"policyId":  decision.PolicyID,
		"ruleId":    decision.RuleID,
		"domain":    domainPayload,
	}
	entry, err := c.audit.AppendTx(ctx, tx, req.EventType, auditPayload)
	if err != nil {
		return nil, fmt.Errorf("gateway: audit append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("gateway: commit: %w", err)
	}

	if req.IdempotencyKey != "" && c.idempotency != nil {
		if err := c.idempotency.Put(ctx, IdempotencyRecord{
			Key:          req.IdempotencyKey,
			RequestHash:  requestHash,
			Response:     response,
			AuditEventID: entry.EventID,
		}); err != nil {
			return nil, fmt.Errorf("gateway: idempotency store: %w", err)
		}
	}

	return &ExecuteResult{Response: response, AuditEventID: entry.EventID}, nil
}

func hashRequestBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
