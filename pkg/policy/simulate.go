package policy

import (
	"context"
	"fmt"
)

// HistorySource supplies historical requests for Simulate's sampleSize
// form; callers typically implement it against the audit store (replaying
// policy.decision / domain-write events back into Request shape).
type HistorySource interface {
	SampleRequests(ctx context.Context, n int) ([]Request, error)
}

// Simulate evaluates policyID against a fixed sample or, if sampleEvents
// is nil, against sampleSize requests pulled from source. Simulation never
// emits policy.decision events (§4.4).
func (e *Engine) Simulate(ctx context.Context, policyID string, sampleEvents []Request, sampleSize int, source HistorySource) (*SimulateResult, error) {
	e.mu.RLock()
	p, ok := e.policies[policyID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("policy: %s not found", policyID)
	}

	samples := sampleEvents
	if samples == nil {
		if source == nil {
			return nil, fmt.Errorf("policy: simulate requires sampleEvents or a HistorySource")
		}
		fetched, err := source.SampleRequests(ctx, sampleSize)
		if err != nil {
			return nil, fmt.Errorf("policy: fetch sample requests: %w", err)
		}
		samples = fetched
	}

	result := &SimulateResult{SampleSize: len(samples)}
	for _, req := range samples {
		req.Simulate = true
		allowed, err := e.evaluate(ctx, p, req)
		if err != nil {
			continue
		}
		if !allowed {
			result.Matched++
			if len(result.Examples) < 10 {
				result.Examples = append(result.Examples, req)
			}
		}
	}
	if result.SampleSize > 0 {
		result.MatchRate = float64(result.Matched) / float64(result.SampleSize)
	}
	return result, nil
}
