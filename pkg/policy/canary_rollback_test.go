package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnet/governor/pkg/escalation"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRollbackController_NoRollbackBelowThreshold(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-canary", "memory.", `true`, SeverityLow)
	p.State = StateCanary
	require.NoError(t, e.LoadPolicy(p))

	rdb := newTestRedis(t)
	lc := NewLifecycle(e, escalation.NewManager())
	rollback := NewRollbackController(rdb, lc, nil)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, rollback.RecordOutcome(ctx, "pol-canary", false))
	}
	require.NoError(t, rollback.RecordOutcome(ctx, "pol-canary", true))

	require.NoError(t, rollback.CheckPolicy(ctx, "pol-canary"))

	policies := e.ListPolicies()
	require.Len(t, policies, 1)
	assert.Equal(t, StateCanary, policies[0].State)
}

func TestRollbackController_RollsBackAboveThreshold(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-canary", "memory.", `true`, SeverityLow)
	p.State = StateCanary
	require.NoError(t, e.LoadPolicy(p))

	rdb := newTestRedis(t)
	lc := NewLifecycle(e, escalation.NewManager())

	var auditedPolicyID string
	rollback := NewRollbackController(rdb, lc, func(ctx context.Context, policyID string) error {
		auditedPolicyID = policyID
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, rollback.RecordOutcome(ctx, "pol-canary", true)) // denied
	}
	require.NoError(t, rollback.RecordOutcome(ctx, "pol-canary", false))

	require.NoError(t, rollback.CheckPolicy(ctx, "pol-canary"))

	policies := e.ListPolicies()
	require.Len(t, policies, 1)
	assert.Equal(t, StateDraft, policies[0].State)
	assert.Equal(t, "pol-canary", auditedPolicyID)
}

func TestRollbackController_CooldownPreventsFlapping(t *testing.T) {
	e := newTestEngine(t)
	p := activePolicy("pol-canary", "memory.", `true`, SeverityLow)
	p.State = StateCanary
	require.NoError(t, e.LoadPolicy(p))

	rdb := newTestRedis(t)
	lc := NewLifecycle(e, escalation.NewManager())
	rollback := NewRollbackController(rdb, lc, nil).WithCooldown(time.Hour)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, rollback.RecordOutcome(ctx, "pol-canary", true))
	}
	require.NoError(t, rollback.CheckPolicy(ctx, "pol-canary"))
	assert.Equal(t, StateDraft, e.ListPolicies()[0].State)

	// Manually flip back to canary and re-trigger; cooldown should suppress it.
	policies := e.ListPolicies()
	policies[0].State = StateCanary
	require.NoError(t, rollback.CheckPolicy(ctx, "pol-canary"))
	assert.Equal(t, StateCanary, e.ListPolicies()[0].State)
}
