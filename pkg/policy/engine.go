package policy

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/observability"
)

// Engine is SentinelNet's CEL-based synchronous check evaluator (C4). It
// replaces ad-hoc RBAC/ABAC checks with a single Allow/Deny point backed by
// compiled, cached CEL programs, matching the teacher's PolicyEngine shape.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	policies map[string]*Policy

	auditChain  *audit.Chain
	clock       func() time.Time
	evalTimeout time.Duration
	metrics     *observability.Provider
}

// defaultEvalTimeout is the CPU-bound cutoff for a single rule evaluation
// (§4.4: "Evaluation must be CPU-bounded (default 50 ms)").
const defaultEvalTimeout = 50 * time.Millisecond

func NewEngine(auditChain *audit.Chain) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create cel env: %w", err)
	}

	return &Engine{
		env:         env,
		programs:    make(map[string]cel.Program),
		policies:    make(map[string]*Policy),
		auditChain:  auditChain,
		clock:       time.Now,
		evalTimeout: defaultEvalTimeout,
	}, nil
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) WithEvalTimeout(d time.Duration) *Engine {
	e.evalTimeout = d
	return e
}

// WithObservability attaches the provider the policy_eval_duration_seconds
// histogram (§4.4, §10.1) is recorded against.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.metrics = p
	return e
}

// LoadPolicy compiles p.Rule and registers p for evaluation. A compile
// error blocks activation at create-time, per §4.4's failure semantics.
func (e *Engine) LoadPolicy(p *Policy) error {
	ast, issues := e.env.Compile(p.Rule)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: rule %s failed to compile: %w", p.PolicyID, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return fmt.Errorf("policy: rule %s program construction failed: %w", p.PolicyID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs[p.PolicyID] = prg
	e.policies[p.PolicyID] = p
	return nil
}

// ListPolicies returns a snapshot of all loaded policies.
func (e *Engine) ListPolicies() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	return out
}

// GetPolicy returns the loaded policy by id, backing the explain endpoint.
func (e *Engine) GetPolicy(policyID string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[policyID]
	return p, ok
}

type ruleOutcome struct {
	policy       *Policy
	allowed      bool
	evalErr      error
	canarySample bool
}

// Check runs the full §4.4 evaluation algorithm: load matching
// active/canary policies, apply deterministic canary sampling, evaluate
// each rule within the CPU bound, combine with deny-dominates semantics,
// and record a policy.decision audit event unless req.Simulate.
func (e *Engine) Check(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	if e.metrics != nil {
		defer func() { e.metrics.RecordPolicyEvalDuration(ctx, time.Since(start)) }()
	}

	now := e.clock()
	decision := &Decision{Allowed: true, Ts: now}

	matching := e.matchingPolicies(req.Action)
	if len(matching) == 0 {
		decision.Rationale = "no matching policy; default allow"
		if err := e.recordDecision(ctx, req, decision); err != nil {
			return decision, err
		}
		return decision, nil
	}

	var outcomes []ruleOutcome
	for _, p := range matching {
		sampled := true
		if p.State == StateCanary {
			sampled = canarySampled(p.PolicyID, req.RequestID, p.Metadata.CanaryPercent)
			if !sampled {
				continue
			}
		}

		allowed, err := e.evaluate(ctx, p, req)
		outcomes = append(outcomes, ruleOutcome{policy: p, allowed: allowed, evalErr: err, canarySample: sampled && p.State == StateCanary})
	}

	decision.IsCanarySampled = anyCanarySampled(outcomes)
	decision.EvidenceRefs = evidenceRefs(outcomes)

	deny := firstDeny(outcomes)
	if deny != nil {
		decision.Allowed = false
		decision.PolicyID = deny.policy.PolicyID
		decision.PolicyVersion = deny.policy.Version
		decision.RuleID = deny.policy.PolicyID
		if deny.evalErr != nil {
			decision.Rationale = fmt.Sprintf("policy %s eval.error treated as fail_closed deny: %v", deny.policy.PolicyID, deny.evalErr)
		} else {
			decision.Rationale = fmt.Sprintf("denied by policy %s", deny.policy.PolicyID)
		}
	} else if len(outcomes) > 0 {
		decision.Rationale = fmt.Sprintf("allowed by %d matching polic(ies)", len(outcomes))
	} else {
		decision.Rationale = "no canary-sampled policy participated; default allow"
	}

	if err := e.recordDecision(ctx, req, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

func (e *Engine) matchingPolicies(action string) []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matches []*Policy
	for _, p := range e.policies {
		if p.State != StateActive && p.State != StateCanary {
			continue
		}
		if strings.HasPrefix(action, p.Scope) {
			matches = append(matches, p)
		}
	}
	return matches
}

// evaluate runs one policy's compiled program with a CPU-bound timeout. A
// timeout or runtime error is recorded as eval.error and treated as allow
// unless the policy's metadata marks it fail_closed.
func (e *Engine) evaluate(ctx context.Context, p *Policy, req Request) (bool, error) {
	e.mu.RLock()
	prg := e.programs[p.PolicyID]
	e.mu.RUnlock()

	input := map[string]interface{}{
		"action":   req.Action,
		"actor":    req.Actor,
		"resource": req.Resource,
		"context":  req.Context,
	}

	type result struct {
		allowed bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		out, _, err := prg.Eval(input)
		if err != nil {
			done <- result{err: err}
			return
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			done <- result{err: fmt.Errorf("policy: rule %s did not evaluate to bool", p.PolicyID)}
			return
		}
		done <- result{allowed: allowed}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return failureDefault(p), r.err
		}
		return r.allowed, nil
	case <-time.After(e.evalTimeout):
		return failureDefault(p), fmt.Errorf("policy: rule %s exceeded %s eval timeout", p.PolicyID, e.evalTimeout)
	case <-ctx.Done():
		return failureDefault(p), ctx.Err()
	}
}

func failureDefault(p *Policy) bool {
	return !p.Metadata.FailClosed
}

func (e *Engine) recordDecision(ctx context.Context, req Request, decision *Decision) error {
	if req.Simulate || e.auditChain == nil {
		return nil
	}
	payload := map[string]interface{}{
		"action":          req.Action,
		"actor":           req.Actor,
		"resource":        req.Resource,
		"requestId":       req.RequestID,
		"allowed":         decision.Allowed,
		"policyId":        decision.PolicyID,
		"policyVersion":   decision.PolicyVersion,
		"ruleId":          decision.RuleID,
		"rationale":       decision.Rationale,
		"evidenceRefs":    decision.EvidenceRefs,
		"isCanarySampled": decision.IsCanarySampled,
	}
	_, err := e.auditChain.Append(ctx, "policy.decision", payload)
	if err != nil {
		return fmt.Errorf("policy: record decision: %w", err)
	}
	return nil
}

// canarySampled implements deterministicHash(policyId||requestId) mod
// 10000 < canaryPercent*100.
func canarySampled(policyID, requestID string, canaryPercent float64) bool {
	sum := sha256.Sum256([]byte(policyID + requestID))
	bucket := binary.BigEndian.Uint64(sum[:8]) % 10000
	return float64(bucket) < canaryPercent*100
}

func anyCanarySampled(outcomes []ruleOutcome) bool {
	for _, o := range outcomes {
		if o.canarySample {
			return true
		}
	}
	return false
}

func evidenceRefs(outcomes []ruleOutcome) []string {
	refs := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		refs = append(refs, o.policy.PolicyID)
	}
	return refs
}

// severityRank orders deny candidates by highest severity, then oldest
// policy, per §4.4 step 4.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func firstDeny(outcomes []ruleOutcome) *ruleOutcome {
	var denies []ruleOutcome
	for _, o := range outcomes {
		denied := !o.allowed
		if o.evalErr != nil {
			denied = o.policy.Metadata.FailClosed
		}
		if denied {
			denies = append(denies, o)
		}
	}
	if len(denies) == 0 {
		return nil
	}
	sort.SliceStable(denies, func(i, j int) bool {
		ri, rj := severityRank(denies[i].policy.Severity), severityRank(denies[j].policy.Severity)
		if ri != rj {
			return ri > rj
		}
		return denies[i].policy.CreatedAt.Before(denies[j].policy.CreatedAt)
	})
	return &denies[0]
}
