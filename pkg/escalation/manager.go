// Package escalation implements quorum/multi-signature approval: a generic
// approver-set + required-count lifecycle shared by policy-activation
// upgrades (C4 §4.4) and allocation pending_multisig (C8 §4.8).
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Approval records a single approver's vote.
type Approval struct {
	ApproverID string
	At         time.Time
}

// Request is a quorum approval request for one subject (a policy upgrade
// or an allocation). It accumulates distinct-approver Approvals until
// RequiredApprovals is reached, or a single Deny short-circuits to denied.
type Request struct {
	ID                string
	Kind              string // e.g. "policy_activation", "allocation"
	SubjectID         string
	RequiredApprovals int
	EligibleApprovers []string // empty means any approver ID is eligible
	Approvals         []Approval
	Status            Status
	DeniedBy          string
	DenyReason        string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Manager tracks open quorum requests in memory only; they do not survive a
// process restart. The allocation workflow records its own allocation
// status in allocation_requests, and policy lifecycle state is held in
// memory too. Manager itself is the timeout/quorum-counting engine.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	clock    func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateRequest opens a new quorum approval request. eligibleApprovers may
// be empty to allow any approver ID.
func (m *Manager) CreateRequest(ctx context.Context, kind, subjectID string, requiredApprovals int, eligibleApprovers []string, timeout time.Duration) (*Request, error) {
	if requiredApprovals < 1 {
		return nil, fmt.Errorf("escalation: requiredApprovals must be >= 1")
	}
	now := m.clock()
	req := &Request{
		ID:                uuid.New().String(),
		Kind:              kind,
		SubjectID:         subjectID,
		RequiredApprovals: requiredApprovals,
		EligibleApprovers: eligibleApprovers,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(timeout),
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()

	return req, nil
}

// Approve records approverID's vote. Returns the updated request; Status
// becomes approved once RequiredApprovals distinct approvals are recorded.
func (m *Manager) Approve(ctx context.Context, requestID, approverID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("escalation: request %q not found", requestID)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("escalation: request %q is not pending (status=%s)", requestID, req.Status)
	}

	now := m.clock()
	if now.After(req.ExpiresAt) {
		req.Status = StatusTimedOut
		return req, nil
	}

	if !isEligible(req.EligibleApprovers, approverID) {
		return nil, fmt.Errorf("escalation: approver %q is not eligible for request %q", approverID, requestID)
	}
	for _, a := range req.Approvals {
		if a.ApproverID == approverID {
			return nil, fmt.Errorf("escalation: approver %q has already voted on request %q", approverID, requestID)
		}
	}

	req.Approvals = append(req.Approvals, Approval{ApproverID: approverID, At: now})
	if len(req.Approvals) >= req.RequiredApprovals {
		req.Status = StatusApproved
	}

	return req, nil
}

// Deny rejects the request outright; a single denial is terminal.
func (m *Manager) Deny(ctx context.Context, requestID, denierID, reason string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("escalation: request %q not found", requestID)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("escalation: request %q is not pending (status=%s)", requestID, req.Status)
	}

	req.Status = StatusDenied
	req.DeniedBy = denierID
	req.DenyReason = reason
	return req, nil
}

// CheckTimeouts scans pending requests and marks any that have expired,
// returning the ones that transitioned.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var timedOut []*Request
	for _, req := range m.requests {
		if req.Status != StatusPending {
			continue
		}
		if now.After(req.ExpiresAt) {
			req.Status = StatusTimedOut
			timedOut = append(timedOut, req)
		}
	}
	return timedOut, nil
}

// GetRequest returns a request by ID.
func (m *Manager) GetRequest(requestID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("escalation: request %q not found", requestID)
	}
	return req, nil
}

// PendingCount returns the number of pending requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, req := range m.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}

func isEligible(eligible []string, approverID string) bool {
	if len(eligible) == 0 {
		return true
	}
	for _, id := range eligible {
		if id == approverID {
			return true
		}
	}
	return false
}
