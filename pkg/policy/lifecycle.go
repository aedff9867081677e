package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelnet/governor/pkg/escalation"
)

var validTransitions = map[State][]State{
	StateDraft:      {StateSimulating},
	StateSimulating: {StateCanary, StateDraft},
	StateCanary:     {StateActive, StateDraft},
	StateActive:     {StateDeprecated},
	StateDeprecated: {},
}

// ErrMultiSigRequired signals that a HIGH/CRITICAL severity transition
// needs a completed escalation.Request before it can proceed.
var ErrMultiSigRequired = fmt.Errorf("policy: transition requires a completed multi-signature upgrade record")

// Lifecycle drives Policy state transitions, gating HIGH/CRITICAL
// activation and deprecation behind a quorum approval from escalation.Manager.
type Lifecycle struct {
	engine    *Engine
	approvals *escalation.Manager
}

func NewLifecycle(engine *Engine, approvals *escalation.Manager) *Lifecycle {
	return &Lifecycle{engine: engine, approvals: approvals}
}

// RequestUpgrade opens the multi-signature approval request a HIGH/CRITICAL
// severity `* -> active` or `active -> deprecated` transition requires.
func (l *Lifecycle) RequestUpgrade(ctx context.Context, policyID string, requiredApprovals int, eligibleApprovers []string, timeout time.Duration) (*escalation.Request, error) {
	return l.approvals.CreateRequest(ctx, "policy_activation", policyID, requiredApprovals, eligibleApprovers, timeout)
}

// Transition moves a policy to next, enforcing the lifecycle DAG and the
// multi-signature gate. upgradeRequestID is required (and must be
// StatusApproved) for any transition into active, or out of active, when
// the policy's severity is HIGH or CRITICAL.
func (l *Lifecycle) Transition(ctx context.Context, policyID string, next State, upgradeRequestID string) error {
	l.engine.mu.Lock()
	p, ok := l.engine.policies[policyID]
	l.engine.mu.Unlock()
	if !ok {
		return fmt.Errorf("policy: %s not found", policyID)
	}

	allowed := false
	for _, candidate := range validTransitions[p.State] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("policy: invalid transition %s -> %s", p.State, next)
	}

	needsMultiSig := p.Severity.RequiresMultiSig() && (next == StateActive || (p.State == StateActive && next == StateDeprecated))
	if needsMultiSig {
		if upgradeRequestID == "" {
			return ErrMultiSigRequired
		}
		req, err := l.approvals.GetRequest(upgradeRequestID)
		if err != nil {
			return fmt.Errorf("policy: %w", ErrMultiSigRequired)
		}
		if req.SubjectID != policyID || req.Status != escalation.StatusApproved {
			return ErrMultiSigRequired
		}
	}

	l.engine.mu.Lock()
	p.State = next
	l.engine.mu.Unlock()
	return nil
}
