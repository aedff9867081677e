package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil)
	require.NoError(t, err)
	return e
}

func activePolicy(id, scope, rule string, severity Severity) *Policy {
	return &Policy{
		PolicyID:  id,
		Version:   1,
		Name:      id,
		Severity:  severity,
		Scope:     scope,
		Rule:      rule,
		State:     StateActive,
		CreatedAt: time.Unix(1700000000, 0),
	}
}

func TestEngine_Check_DefaultAllowWhenNoPolicyMatches(t *testing.T) {
	e := newTestEngine(t)
	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEngine_Check_AllowRule(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicy(activePolicy("pol-allow", "memory.", `actor != ""`, SeverityLow)))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create", Actor: "svc-1"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.EvidenceRefs, "pol-allow")
}

func TestEngine_Check_DenyRule(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicy(activePolicy("pol-deny", "memory.", `actor == "blocked"`, SeverityHigh)))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create", Actor: "blocked"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "pol-deny", decision.PolicyID)
}

func TestEngine_Check_DenyDominatesAllow(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicy(activePolicy("pol-allow", "memory.", `true`, SeverityLow)))
	require.NoError(t, e.LoadPolicy(activePolicy("pol-deny", "memory.", `actor == "blocked"`, SeverityHigh)))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create", Actor: "blocked"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "pol-deny", decision.PolicyID)
	assert.ElementsMatch(t, []string{"pol-allow", "pol-deny"}, decision.EvidenceRefs)
}

func TestEngine_Check_HighestSeverityDenyWinsRationale(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicy(activePolicy("pol-medium-deny", "memory.", `false`, SeverityMedium)))
	require.NoError(t, e.LoadPolicy(activePolicy("pol-critical-deny", "memory.", `false`, SeverityCritical)))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "pol-critical-deny", decision.PolicyID)
}

func TestEngine_Check_ScopeMismatchSkipsPolicy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicy(activePolicy("pol-alloc", "alloc.", `false`, SeverityHigh)))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NotContains(t, decision.EvidenceRefs, "pol-alloc")
}

func TestEngine_LoadPolicy_CompileErrorRejected(t *testing.T) {
	e := newTestEngine(t)
	err := e.LoadPolicy(activePolicy("pol-bad", "memory.", `actor ===`, SeverityLow))
	require.Error(t, err)
}

func TestEngine_Check_CanarySamplingIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-canary", "memory.", `false`, SeverityLow)
	p.State = StateCanary
	p.Metadata.CanaryPercent = 100 // 100%: always sampled
	require.NoError(t, e.LoadPolicy(p))

	decision1, err := e.Check(context.Background(), Request{Action: "memory.node.create", RequestID: "req-1"})
	require.NoError(t, err)
	decision2, err := e.Check(context.Background(), Request{Action: "memory.node.create", RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, decision1.IsCanarySampled, decision2.IsCanarySampled)
	assert.True(t, decision1.IsCanarySampled)
}

func TestEngine_Check_CanaryZeroPercentNeverSampled(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-canary-0", "memory.", `false`, SeverityLow)
	p.State = StateCanary
	p.Metadata.CanaryPercent = 0.0
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create", RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.IsCanarySampled)
}

func TestEngine_Check_EvalErrorDefaultsFailOpen(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-runtime-err", "memory.", `context.missing.field == "x"`, SeverityLow)
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create", Context: map[string]interface{}{}})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEngine_Check_EvalErrorFailClosedDenies(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-runtime-err-fc", "memory.", `context.missing.field == "x"`, SeverityHigh)
	p.Metadata.FailClosed = true
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Check(context.Background(), Request{Action: "memory.node.create", Context: map[string]interface{}{}})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "pol-runtime-err-fc", decision.PolicyID)
}
