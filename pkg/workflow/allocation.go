package workflow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/canonicalize"
	"github.com/sentinelnet/governor/pkg/crypto"
	"github.com/sentinelnet/governor/pkg/escalation"
	"github.com/sentinelnet/governor/pkg/finance"
	"github.com/sentinelnet/governor/pkg/policy"
)

// PolicyChecker is the allocation.request gate every CreateAllocation call
// runs through before the request is allowed to leave pending.
type PolicyChecker interface {
	Check(ctx context.Context, req policy.Request) (*policy.Decision, error)
}

var (
	ErrAllocationNotFound     = fmt.Errorf("workflow: allocation request not found")
	ErrAllocationNotPending   = fmt.Errorf("workflow: allocation is not in the expected pending state")
	ErrLedgerNotBalanced      = fmt.Errorf("workflow: ledger proof entries do not balance against the allocation amount")
	ErrLedgerSignatureInvalid = fmt.Errorf("workflow: ledger proof signature does not verify")
)

// InsufficientQuorumError is returned by ApplyMultisig when the approval set
// has not yet reached RequiredApprovals.
type InsufficientQuorumError struct {
	Required int
	Missing  int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("workflow: insufficient_quorum required=%d missing=%d", e.Required, e.Missing)
}

// AllocatorConfig holds the §4.8 tunables: the auto-apply ceiling above which
// an allocation requires multi-signature approval, and the approver set
// quorum is drawn from.
type AllocatorConfig struct {
	MaxAutoApply      float64
	RequiredApprovals int
	ApproverIDs       []string
	MultisigTimeout   time.Duration
}

// Allocator drives the allocation state machine:
//
//	pending --(policy allow)--> applied
//	  |                 \-(denied)-> rejected
//	  |-pending_finance --ledger proof OK--> applied
//	  \-pending_multisig --quorum reached--> applied
type Allocator struct {
	db        *sql.DB
	policy    PolicyChecker
	audit     *audit.Chain
	approvals *escalation.Manager
	verifier  crypto.DigestSigner
	cfg       AllocatorConfig
	clock     func() time.Time
}

func NewAllocator(db *sql.DB, checker PolicyChecker, auditChain *audit.Chain, approvals *escalation.Manager, verifier crypto.DigestSigner, cfg AllocatorConfig) *Allocator {
	return &Allocator{
		db: db, policy: checker, audit: auditChain, approvals: approvals, verifier: verifier,
		cfg: cfg, clock: time.Now,
	}
}

func (a *Allocator) WithClock(clock func() time.Time) *Allocator { a.clock = clock; return a }

// CreateAllocationInput is what a Promotion (or a reverse DemotionEvent)
// supplies to open an AllocationRequest.
type CreateAllocationInput struct {
	PromotionID string
	EntityID    string
	Pool        string
	Delta       float64
	Amount      *finance.Money // non-nil when this allocation moves budgeted capital
	Reason      string
	DependsOnID string
	RequestID   string
	Actor       string
}

// CreateAllocation runs §4.8 steps 2-4: a policy check gates the request;
// if allowed, it routes to pending_finance (budgeted capital), to
// pending_multisig (delta at or above MaxAutoApply), or straight to applied.
func (a *Allocator) CreateAllocation(ctx context.Context, in CreateAllocationInput) (*AllocationRequest, error) {
	decision, err := a.policy.Check(ctx, policy.Request{
		Action:   "allocation.request",
		Actor:    in.Actor,
		Resource: in.Pool,
		Context: map[string]interface{}{
			"pool": in.Pool, "delta": in.Delta, "entityId": in.EntityID,
		},
		RequestID: in.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: policy check: %w", err)
	}

	now := a.clock()
	req := &AllocationRequest{
		ID:               uuid.New().String(),
		PromotionID:      in.PromotionID,
		EntityID:         in.EntityID,
		Pool:             in.Pool,
		Delta:            in.Delta,
		Amount:           in.Amount,
		Reason:           in.Reason,
		DependsOnID:      in.DependsOnID,
		SentinelDecision: decision.PolicyID,
		CreatedAt:        now,
	}

	if !decision.Allowed {
		req.Status = AllocationRejected
		if err := a.insertAndAudit(ctx, req, "allocation.rejected", map[string]interface{}{"reason": decision.Rationale}); err != nil {
			return nil, err
		}
		return req, nil
	}

	switch {
	case in.Amount != nil:
		req.Status = AllocationPendingFinance
	case a.requiresMultisig(in.Delta):
		req.Status = AllocationPendingMultisig
	default:
		req.Status = AllocationApplied
		req.AppliedAt = &now
	}

	if err := a.insertAndAudit(ctx, req, "allocation.request", map[string]interface{}{
		"pool": in.Pool, "delta": in.Delta, "status": req.Status,
	}); err != nil {
		return nil, err
	}

	if req.Status == AllocationPendingMultisig {
		escReq, err := a.approvals.CreateRequest(ctx, "allocation", req.ID, a.cfg.RequiredApprovals, a.cfg.ApproverIDs, a.cfg.MultisigTimeout)
		if err != nil {
			return nil, fmt.Errorf("workflow: open multisig request: %w", err)
		}
		req.UpgradeRequestID = escReq.ID
		if err := a.updateUpgradeRequestID(ctx, req.ID, escReq.ID); err != nil {
			return nil, err
		}
	}

	if req.Status == AllocationApplied {
		if err := a.appendAuditOnly(ctx, req, "allocation.applied", nil); err != nil {
			return nil, err
		}
	}

	return req, nil
}

func (a *Allocator) requiresMultisig(delta float64) bool {
	if a.cfg.MaxAutoApply <= 0 {
		return false
	}
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	return abs >= a.cfg.MaxAutoApply
}

// LedgerEntry is one balanced-entries line in a Finance-issued LedgerProof.
type LedgerEntry struct {
	Account string
	Delta   finance.Money
}

// LedgerProof is what Finance returns for a pending_finance allocation: the
// entries must sum to the allocation's Amount, and the whole proof must be
// signed by a key the allocator's verifier recognizes.
type LedgerProof struct {
	Entries   []LedgerEntry
	Signature string
	SignerKid string
}

// SettleFinance verifies a LedgerProof by signature and balanced-entries
// check (§4.8 step 3) and, on success, transitions the allocation to
// applied.
func (a *Allocator) SettleFinance(ctx context.Context, allocationID string, proof LedgerProof) (*AllocationRequest, error) {
	req, err := a.loadAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if req.Status != AllocationPendingFinance {
		return nil, fmt.Errorf("workflow: allocation %s: %w", allocationID, ErrAllocationNotPending)
	}
	if req.Amount == nil {
		return nil, fmt.Errorf("workflow: allocation %s has no budgeted amount to settle", allocationID)
	}

	sum := finance.Money{Currency: req.Amount.Currency, Scale: req.Amount.Scale}
	for _, e := range proof.Entries {
		sum, err = sum.Add(e.Delta)
		if err != nil {
			return nil, fmt.Errorf("workflow: ledger entry for %s: %w", e.Account, err)
		}
	}
	if sum.AmountMinor != req.Amount.AmountMinor {
		return nil, ErrLedgerNotBalanced
	}

	canon, err := canonicalize.JCS(proof.Entries)
	if err != nil {
		return nil, fmt.Errorf("workflow: canonicalize ledger proof: %w", err)
	}
	digest := sha256.Sum256(canon)
	ok, err := a.verifier.Verify(ctx, digest[:], proof.Signature, proof.SignerKid)
	if err != nil {
		return nil, fmt.Errorf("workflow: verify ledger proof signature: %w", err)
	}
	if !ok {
		return nil, ErrLedgerSignatureInvalid
	}

	if err := a.transitionAndAudit(ctx, req, "allocation.settlement", map[string]interface{}{
		"entries": proof.Entries, "signerKid": proof.SignerKid,
	}); err != nil {
		return nil, err
	}

	now := a.clock()
	req.Status = AllocationApplied
	req.AppliedAt = &now
	if err := a.transitionAndAudit(ctx, req, "allocation.applied", nil); err != nil {
		return nil, err
	}
	return req, nil
}

// RejectExpiredFinance scans pending_finance allocations older than timeout
// and rejects them with a compensating audit event, per §4.8's
// pending_finance --timeout--> rejected branch.
func (a *Allocator) RejectExpiredFinance(ctx context.Context, timeout time.Duration) ([]*AllocationRequest, error) {
	cutoff := a.clock().Add(-timeout)
	rows, err := a.db.QueryContext(ctx, `SELECT id FROM allocation_requests WHERE status = $1 AND created_at < $2`, AllocationPendingFinance, cutoff)
	if err != nil {
		return nil, fmt.Errorf("workflow: scan expired finance allocations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("workflow: scan expired finance allocation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var rejected []*AllocationRequest
	for _, id := range ids {
		req, err := a.loadAllocation(ctx, id)
		if err != nil {
			return rejected, err
		}
		if req.Status != AllocationPendingFinance {
			continue
		}
		req.Status = AllocationRejected
		if err := a.transitionAndAudit(ctx, req, "allocation.rejected", map[string]interface{}{"reason": "finance_timeout"}); err != nil {
			return rejected, err
		}
		rejected = append(rejected, req)
	}
	return rejected, nil
}

// ApproveMultisig records one approver's vote against the allocation's
// open quorum request. It does not itself transition the allocation;
// ApplyMultisig does that once quorum is confirmed.
func (a *Allocator) ApproveMultisig(ctx context.Context, allocationID, approverID string) (*AllocationRequest, error) {
	req, err := a.loadAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if req.Status != AllocationPendingMultisig {
		return nil, fmt.Errorf("workflow: allocation %s: %w", allocationID, ErrAllocationNotPending)
	}
	if _, err := a.approvals.Approve(ctx, req.UpgradeRequestID, approverID); err != nil {
		return nil, fmt.Errorf("workflow: record approval: %w", err)
	}
	return req, nil
}

// ApplyMultisig checks whether the allocation's quorum request has reached
// RequiredApprovals and, if so, transitions the allocation to applied. If
// quorum has not been reached it returns InsufficientQuorumError, mirroring
// the quorum-evaluation tuple §4.8 step 4 specifies.
func (a *Allocator) ApplyMultisig(ctx context.Context, allocationID string) (*AllocationRequest, error) {
	req, err := a.loadAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if req.Status != AllocationPendingMultisig {
		return nil, fmt.Errorf("workflow: allocation %s: %w", allocationID, ErrAllocationNotPending)
	}

	escReq, err := a.approvals.GetRequest(req.UpgradeRequestID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load quorum request: %w", err)
	}

	hasQuorum, _, missing, invalid := EvaluateQuorum(escReq.RequiredApprovals, escReq.EligibleApprovers, escReq.Approvals)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("workflow: quorum request %s carries invalid approvers %v", req.UpgradeRequestID, invalid)
	}
	if !hasQuorum {
		return nil, &InsufficientQuorumError{Required: escReq.RequiredApprovals, Missing: missing}
	}

	now := a.clock()
	req.Status = AllocationApplied
	req.AppliedAt = &now
	req.AppliedBy = approverNames(escReq.Approvals)
	if err := a.transitionAndAudit(ctx, req, "allocation.applied", map[string]interface{}{"approvers": escReq.Approvals}); err != nil {
		return nil, err
	}
	return req, nil
}

// EvaluateQuorum is the pure quorum-counting rule §4.8 step 4 names:
// hasQuorum once uniqueApprovers reaches required, missingApprovals the
// remaining count, invalidApprovers any approval recorded from outside the
// eligible set (defensive; Manager.Approve already rejects these at vote
// time, so this only ever surfaces a request built with a stale eligible
// list).
func EvaluateQuorum(required int, eligible []string, approvals []escalation.Approval) (hasQuorum bool, uniqueApprovers int, missingApprovals int, invalidApprovers []string) {
	seen := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if seen[a.ApproverID] {
			continue
		}
		seen[a.ApproverID] = true
		if len(eligible) > 0 && !stringInSlice(eligible, a.ApproverID) {
			invalidApprovers = append(invalidApprovers, a.ApproverID)
			continue
		}
		uniqueApprovers++
	}
	missingApprovals = required - uniqueApprovers
	if missingApprovals < 0 {
		missingApprovals = 0
	}
	hasQuorum = uniqueApprovers >= required
	return
}

func stringInSlice(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func approverNames(approvals []escalation.Approval) string {
	out := ""
	for i, a := range approvals {
		if i > 0 {
			out += ","
		}
		out += a.ApproverID
	}
	return out
}

func (a *Allocator) loadAllocation(ctx context.Context, id string) (*AllocationRequest, error) {
	req := &AllocationRequest{}
	var amountMinor sql.NullInt64
	var amountCurrency sql.NullString
	var amountScale sql.NullInt64
	var upgradeRequestID, appliedBy, dependsOnID sql.NullString
	var appliedAt sql.NullTime

	err := a.db.QueryRowContext(ctx, `
		SELECT id, promotion_id, entity_id, pool, delta, amount_minor, amount_currency, amount_scale,
		       reason, status, sentinel_decision, upgrade_request_id, applied_by, applied_at, created_at, depends_on_id
		FROM allocation_requests WHERE id = $1
	`, id).Scan(&req.ID, &req.PromotionID, &req.EntityID, &req.Pool, &req.Delta, &amountMinor, &amountCurrency, &amountScale,
		&req.Reason, &req.Status, &req.SentinelDecision, &upgradeRequestID, &appliedBy, &appliedAt, &req.CreatedAt, &dependsOnID)
	if err == sql.ErrNoRows {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: load allocation %s: %w", id, err)
	}

	if amountMinor.Valid {
		req.Amount = &finance.Money{AmountMinor: amountMinor.Int64, Currency: amountCurrency.String, Scale: int(amountScale.Int64)}
	}
	req.UpgradeRequestID = upgradeRequestID.String
	req.AppliedBy = appliedBy.String
	req.DependsOnID = dependsOnID.String
	if appliedAt.Valid {
		t := appliedAt.Time
		req.AppliedAt = &t
	}
	return req, nil
}

func (a *Allocator) insertAndAudit(ctx context.Context, req *AllocationRequest, eventType string, auditExtra map[string]interface{}) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var amountMinor sql.NullInt64
	var amountCurrency sql.NullString
	var amountScale sql.NullInt64
	if req.Amount != nil {
		amountMinor = sql.NullInt64{Int64: req.Amount.AmountMinor, Valid: true}
		amountCurrency = sql.NullString{String: req.Amount.Currency, Valid: true}
		amountScale = sql.NullInt64{Int64: int64(req.Amount.Scale), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO allocation_requests (id, promotion_id, entity_id, pool, delta, amount_minor, amount_currency, amount_scale,
			reason, status, sentinel_decision, applied_at, created_at, depends_on_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, req.ID, req.PromotionID, req.EntityID, req.Pool, req.Delta, amountMinor, amountCurrency, amountScale,
		req.Reason, req.Status, req.SentinelDecision, req.AppliedAt, req.CreatedAt, req.DependsOnID); err != nil {
		return fmt.Errorf("workflow: insert allocation: %w", err)
	}

	payload := map[string]interface{}{
		"allocationId": req.ID, "entityId": req.EntityID, "pool": req.Pool, "delta": req.Delta,
		"promotionId": req.PromotionID, "dependsOnId": req.DependsOnID,
	}
	for k, v := range auditExtra {
		payload[k] = v
	}
	if _, err := a.audit.AppendTx(ctx, tx, eventType, payload); err != nil {
		return fmt.Errorf("workflow: audit append: %w", err)
	}

	return tx.Commit()
}

func (a *Allocator) transitionAndAudit(ctx context.Context, req *AllocationRequest, eventType string, auditExtra map[string]interface{}) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE allocation_requests SET status = $2, applied_by = $3, applied_at = $4 WHERE id = $1
	`, req.ID, req.Status, req.AppliedBy, req.AppliedAt); err != nil {
		return fmt.Errorf("workflow: update allocation status: %w", err)
	}

	payload := map[string]interface{}{"allocationId": req.ID, "status": req.Status}
	for k, v := range auditExtra {
		payload[k] = v
	}
	if _, err := a.audit.AppendTx(ctx, tx, eventType, payload); err != nil {
		return fmt.Errorf("workflow: audit append: %w", err)
	}

	return tx.Commit()
}

func (a *Allocator) appendAuditOnly(ctx context.Context, req *AllocationRequest, eventType string, auditExtra map[string]interface{}) error {
	payload := map[string]interface{}{"allocationId": req.ID, "status": req.Status}
	for k, v := range auditExtra {
		payload[k] = v
	}
	_, err := a.audit.Append(ctx, eventType, payload)
	if err != nil {
		return fmt.Errorf("workflow: audit append: %w", err)
	}
	return nil
}

func (a *Allocator) updateUpgradeRequestID(ctx context.Context, allocationID, upgradeRequestID string) error {
	_, err := a.db.ExecContext(ctx, `UPDATE allocation_requests SET upgrade_request_id = $2 WHERE id = $1`, allocationID, upgradeRequestID)
	if err != nil {
		return fmt.Errorf("workflow: link upgrade request: %w", err)
	}
	return nil
}

