// Package workflow implements the eval -> promotion -> allocation cross-
// service state machine (C8): score hysteresis, promotion events, the
// allocation state machine with Finance settlement and multi-sig gating,
// and post-apply ROI monitoring.
package workflow

import (
	"time"

	"github.com/sentinelnet/governor/pkg/finance"
)

// PromotionAction is what a Promotion recommends for an agent.
type PromotionAction string

const (
	ActionPromote PromotionAction = "promote"
	ActionDemote  PromotionAction = "demote"
	ActionHold    PromotionAction = "hold"
)

// PromotionStatus tracks a Promotion's own lifecycle, independent of any
// AllocationRequest it triggers.
type PromotionStatus string

const (
	PromotionPending  PromotionStatus = "pending"
	PromotionApproved PromotionStatus = "approved"
	PromotionApplied  PromotionStatus = "applied"
	PromotionRejected PromotionStatus = "rejected"
)

// Promotion is emitted once an agent's score clears promotionThreshold for
// promotionHysteresisWindows consecutive windows.
type Promotion struct {
	ID         string
	AgentID    string
	Action     PromotionAction
	Rationale  string
	Confidence float64
	Status     PromotionStatus
	CreatedAt  time.Time
}

// AllocationStatus is the state machine §4.8 describes.
type AllocationStatus string

const (
	AllocationPending         AllocationStatus = "pending"
	AllocationPendingFinance  AllocationStatus = "pending_finance"
	AllocationPendingMultisig AllocationStatus = "pending_multisig"
	AllocationApplied         AllocationStatus = "applied"
	AllocationRejected        AllocationStatus = "rejected"
)

// AllocationRequest is a resource-pool delta triggered by a Promotion (or,
// in reverse, a DemotionEvent).
type AllocationRequest struct {
	ID               string
	PromotionID      string
	EntityID         string
	Pool             string
	Delta            float64
	Amount           *finance.Money // non-nil when this allocation moves budgeted capital
	Reason           string
	Status           AllocationStatus
	SentinelDecision string
	UpgradeRequestID string
	AppliedBy        string
	AppliedAt        *time.Time
	CreatedAt        time.Time
	DependsOnID      string // non-empty for a canary allocation chain link
}

// EvalReport is one scoring-window sample for an agent.
type EvalReport struct {
	AgentID    string
	Score      float64
	Components map[string]float64
	Confidence float64
	WindowID   int
	At         time.Time
}

// DemotionEvent is emitted when post-apply ROI monitoring finds negative
// ROI; it runs through the allocation path in reverse (preemption).
type DemotionEvent struct {
	PromotionID string
	AgentID     string
	ROI         float64
	Window      time.Duration
}
