package policy

import "time"

// State is a Policy's position in the lifecycle state machine.
type State string

const (
	StateDraft      State = "draft"
	StateSimulating State = "simulating"
	StateCanary     State = "canary"
	StateActive     State = "active"
	StateDeprecated State = "deprecated"
)

// Severity gates which lifecycle transitions require a multi-signature
// upgrade record: HIGH and CRITICAL policies cannot reach active (or leave
// it) without a completed escalation.Request.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RequiresMultiSig reports whether a transition into or out of active for
// this severity needs a completed escalation.Request.
func (s Severity) RequiresMultiSig() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Metadata carries the policy options the CEL rule itself can't express:
// canary rollout percentage and the fail-open/fail-closed default for
// runtime evaluation errors or timeouts.
type Metadata struct {
	CanaryPercent float64 `json:"canaryPercent"`
	FailClosed    bool    `json:"failClosed"`
}

// Policy is one CEL rule plus its lifecycle state.
type Policy struct {
	PolicyID   string
	Version    int
	Name       string
	Severity   Severity
	Scope      string // dotted action prefix this policy applies to, e.g. "memory.node."
	Rule       string // CEL expression source
	Metadata   Metadata
	State      State
	CreatedBy  string
	CreatedAt  time.Time
	HistoryRef string
}

// Request is the input to Engine.Check.
type Request struct {
	Action    string
	Actor     string
	Resource  string
	Context   map[string]interface{}
	RequestID string
	Simulate  bool
}

// Decision is the result of Engine.Check.
type Decision struct {
	Allowed         bool
	PolicyID        string
	PolicyVersion   int
	RuleID          string
	Rationale       string
	EvidenceRefs    []string
	IsCanarySampled bool
	Ts              time.Time
}

// SimulateResult is the output of Engine.Simulate.
type SimulateResult struct {
	SampleSize int
	Matched    int
	MatchRate  float64
	Examples   []Request
}
