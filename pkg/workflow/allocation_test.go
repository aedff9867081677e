package workflow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/canonicalize"
	"github.com/sentinelnet/governor/pkg/crypto"
	"github.com/sentinelnet/governor/pkg/escalation"
	"github.com/sentinelnet/governor/pkg/finance"
	"github.com/sentinelnet/governor/pkg/policy"
)

type stubChecker struct {
	decision *policy.Decision
	err      error
}

func (s *stubChecker) Check(ctx context.Context, req policy.Request) (*policy.Decision, error) {
	return s.decision, s.err
}

func testWorkflowSigner(t *testing.T) *crypto.ChainSigner {
	t.Helper()
	local, err := crypto.NewEd25519Signer("test-kid")
	require.NoError(t, err)
	return crypto.NewChainSigner(nil, nil, local, false)
}

func testWorkflowChain(t *testing.T, db *sql.DB, signer *crypto.ChainSigner) *audit.Chain {
	t.Helper()
	return audit.NewChain(db, signer).WithClock(func() time.Time { return time.Unix(1700000000, 0) })
}

func expectAllocationAuditAppend(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash FROM audit_events ORDER BY ts DESC, id DESC LIMIT 1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, signature, signer_id, prev_hash, ts FROM audit_events WHERE hash = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "signature", "signer_id", "prev_hash", "ts"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestAllocator_CreateAllocation_DeniedByPolicy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	checker := &stubChecker{decision: &policy.Decision{Allowed: false, PolicyID: "pol-1", Rationale: "pool blocked"}}
	alloc := NewAllocator(db, checker, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO allocation_requests")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()

	req, err := alloc.CreateAllocation(context.Background(), CreateAllocationInput{
		EntityID: "a-1", Pool: "gpus-us-east", Delta: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationRejected, req.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocator_CreateAllocation_AppliesImmediatelyBelowThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	checker := &stubChecker{decision: &policy.Decision{Allowed: true, PolicyID: "pol-1"}}
	alloc := NewAllocator(db, checker, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{MaxAutoApply: 10})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO allocation_requests")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()
	// appendAuditOnly uses Chain.Append, which opens its own tx.
	mock.ExpectBegin()
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()

	req, err := alloc.CreateAllocation(context.Background(), CreateAllocationInput{
		EntityID: "a-1", Pool: "gpus-us-east", Delta: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationApplied, req.Status)
	assert.NotNil(t, req.AppliedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocator_CreateAllocation_RoutesToPendingFinance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	checker := &stubChecker{decision: &policy.Decision{Allowed: true}}
	alloc := NewAllocator(db, checker, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO allocation_requests")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()

	amount := finance.NewMoney(5000, "USD")
	req, err := alloc.CreateAllocation(context.Background(), CreateAllocationInput{
		EntityID: "a-1", Pool: "gpu-budget", Delta: 1, Amount: &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationPendingFinance, req.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocator_CreateAllocation_RoutesToPendingMultisig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	checker := &stubChecker{decision: &policy.Decision{Allowed: true}}
	alloc := NewAllocator(db, checker, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{
		MaxAutoApply: 4, RequiredApprovals: 3, ApproverIDs: []string{"u1", "u2", "u3", "u4", "u5"}, MultisigTimeout: time.Hour,
	})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO allocation_requests")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE allocation_requests SET upgrade_request_id")).WillReturnResult(sqlmock.NewResult(1, 1))

	req, err := alloc.CreateAllocation(context.Background(), CreateAllocationInput{
		EntityID: "a-1", Pool: "gpus-us-east", Delta: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationPendingMultisig, req.Status)
	assert.NotEmpty(t, req.UpgradeRequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func allocationRow(req *AllocationRequest) *sqlmock.Rows {
	var amountMinor interface{}
	var amountCurrency interface{}
	var amountScale interface{}
	if req.Amount != nil {
		amountMinor = req.Amount.AmountMinor
		amountCurrency = req.Amount.Currency
		amountScale = req.Amount.Scale
	}
	var appliedAt interface{}
	if req.AppliedAt != nil {
		appliedAt = *req.AppliedAt
	}
	return sqlmock.NewRows([]string{
		"id", "promotion_id", "entity_id", "pool", "delta", "amount_minor", "amount_currency", "amount_scale",
		"reason", "status", "sentinel_decision", "upgrade_request_id", "applied_by", "applied_at", "created_at", "depends_on_id",
	}).AddRow(req.ID, req.PromotionID, req.EntityID, req.Pool, req.Delta, amountMinor, amountCurrency, amountScale,
		req.Reason, string(req.Status), req.SentinelDecision, req.UpgradeRequestID, req.AppliedBy, appliedAt, req.CreatedAt, req.DependsOnID)
}

func expectLoadAllocation(mock sqlmock.Sqlmock, req *AllocationRequest) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, promotion_id, entity_id, pool, delta")).
		WithArgs(req.ID).
		WillReturnRows(allocationRow(req))
}

func TestAllocator_SettleFinance_BalancedAndSigned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	alloc := NewAllocator(db, &stubChecker{}, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{})

	amount := finance.NewMoney(5000, "USD")
	req := &AllocationRequest{ID: "alloc-1", Pool: "gpu-budget", Amount: &amount, Status: AllocationPendingFinance, CreatedAt: time.Unix(1699999000, 0)}
	expectLoadAllocation(mock, req)

	entries := []LedgerEntry{
		{Account: "gpu-budget-pool", Delta: finance.NewMoney(2000, "USD")},
		{Account: "agent-a-1", Delta: finance.NewMoney(3000, "USD")},
	}
	canon, err := canonicalize.JCS(entries)
	require.NoError(t, err)
	digestArr := sha256.Sum256(canon)
	sig, kid, err := signer.Sign(context.Background(), digestArr[:])
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE allocation_requests SET status")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE allocation_requests SET status")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()

	result, err := alloc.SettleFinance(context.Background(), "alloc-1", LedgerProof{Entries: entries, Signature: sig, SignerKid: kid})
	require.NoError(t, err)
	assert.Equal(t, AllocationApplied, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocator_SettleFinance_UnbalancedEntriesRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	alloc := NewAllocator(db, &stubChecker{}, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{})

	amount := finance.NewMoney(5000, "USD")
	req := &AllocationRequest{ID: "alloc-1", Amount: &amount, Status: AllocationPendingFinance, CreatedAt: time.Now()}
	expectLoadAllocation(mock, req)

	entries := []LedgerEntry{{Account: "gpu-budget-pool", Delta: finance.NewMoney(-4000, "USD")}}
	_, err = alloc.SettleFinance(context.Background(), "alloc-1", LedgerProof{Entries: entries, Signature: "x", SignerKid: "test-kid"})
	require.ErrorIs(t, err, ErrLedgerNotBalanced)
}

func TestAllocator_SettleFinance_InvalidSignatureRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	alloc := NewAllocator(db, &stubChecker{}, testWorkflowChain(t, db, signer), escalation.NewManager(), signer, AllocatorConfig{})

	amount := finance.NewMoney(5000, "USD")
	req := &AllocationRequest{ID: "alloc-1", Amount: &amount, Status: AllocationPendingFinance, CreatedAt: time.Now()}
	expectLoadAllocation(mock, req)

	entries := []LedgerEntry{{Account: "gpu-budget-pool", Delta: finance.NewMoney(5000, "USD")}}
	_, err = alloc.SettleFinance(context.Background(), "alloc-1", LedgerProof{Entries: entries, Signature: "deadbeef", SignerKid: "test-kid"})
	require.ErrorIs(t, err, ErrLedgerSignatureInvalid)
}

func TestAllocator_ApplyMultisig_InsufficientQuorum(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	approvals := escalation.NewManager()
	alloc := NewAllocator(db, &stubChecker{}, testWorkflowChain(t, db, signer), approvals, signer, AllocatorConfig{})

	escReq, err := approvals.CreateRequest(context.Background(), "allocation", "alloc-1", 3, []string{"u1", "u2", "u3", "u4", "u5"}, time.Hour)
	require.NoError(t, err)
	_, err = approvals.Approve(context.Background(), escReq.ID, "u1")
	require.NoError(t, err)
	_, err = approvals.Approve(context.Background(), escReq.ID, "u2")
	require.NoError(t, err)

	req := &AllocationRequest{ID: "alloc-1", Status: AllocationPendingMultisig, UpgradeRequestID: escReq.ID, CreatedAt: time.Now()}
	expectLoadAllocation(mock, req)

	_, err = alloc.ApplyMultisig(context.Background(), "alloc-1")
	require.Error(t, err)
	var insufficient *InsufficientQuorumError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Required)
	assert.Equal(t, 1, insufficient.Missing)
}

func TestAllocator_ApplyMultisig_QuorumReachedApplies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	signer := testWorkflowSigner(t)
	approvals := escalation.NewManager()
	alloc := NewAllocator(db, &stubChecker{}, testWorkflowChain(t, db, signer), approvals, signer, AllocatorConfig{})

	escReq, err := approvals.CreateRequest(context.Background(), "allocation", "alloc-1", 3, []string{"u1", "u2", "u3", "u4", "u5"}, time.Hour)
	require.NoError(t, err)
	for _, approver := range []string{"u1", "u2", "u3"} {
		_, err = approvals.Approve(context.Background(), escReq.ID, approver)
		require.NoError(t, err)
	}

	req := &AllocationRequest{ID: "alloc-1", Status: AllocationPendingMultisig, UpgradeRequestID: escReq.ID, CreatedAt: time.Now()}
	expectLoadAllocation(mock, req)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE allocation_requests SET status")).WillReturnResult(sqlmock.NewResult(1, 1))
	expectAllocationAuditAppend(mock)
	mock.ExpectCommit()

	result, err := alloc.ApplyMultisig(context.Background(), "alloc-1")
	require.NoError(t, err)
	assert.Equal(t, AllocationApplied, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateQuorum(t *testing.T) {
	approvals := []escalation.Approval{{ApproverID: "u1"}, {ApproverID: "u2"}, {ApproverID: "u2"}}
	hasQuorum, unique, missing, invalid := EvaluateQuorum(3, []string{"u1", "u2", "u3"}, approvals)
	assert.False(t, hasQuorum)
	assert.Equal(t, 2, unique)
	assert.Equal(t, 1, missing)
	assert.Empty(t, invalid)
}

func TestEvaluateQuorum_FlagsInvalidApprovers(t *testing.T) {
	approvals := []escalation.Approval{{ApproverID: "u1"}, {ApproverID: "intruder"}}
	_, unique, _, invalid := EvaluateQuorum(2, []string{"u1", "u2"}, approvals)
	assert.Equal(t, 1, unique)
	assert.Equal(t, []string{"intruder"}, invalid)
}
