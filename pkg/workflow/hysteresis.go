package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scorer tracks each agent's consecutive above-threshold windows in memory
// and emits a Promotion once promotionHysteresisWindows is reached (§4.8
// step 1). It is read-hot, write-rare in the same spirit as the policy
// registry: one Scorer per process, guarded by a mutex rather than sharded.
type Scorer struct {
	mu        sync.Mutex
	streaks   map[string]int
	threshold float64
	windows   int
	clock     func() time.Time
}

const (
	defaultPromotionThreshold = 0.85
	defaultHysteresisWindows  = 3
)

func NewScorer(threshold float64, windows int) *Scorer {
	if threshold <= 0 {
		threshold = defaultPromotionThreshold
	}
	if windows <= 0 {
		windows = defaultHysteresisWindows
	}
	return &Scorer{
		streaks:   make(map[string]int),
		threshold: threshold,
		windows:   windows,
		clock:     time.Now,
	}
}

func (s *Scorer) WithClock(clock func() time.Time) *Scorer { s.clock = clock; return s }

// Ingest records one EvalReport and returns a Promotion once the agent's
// score has cleared threshold for windows consecutive calls. A score below
// threshold resets the streak to zero; Ingest is the only mutator, so the
// streak only ever grows by reports that pass through it in order.
func (s *Scorer) Ingest(report EvalReport) *Promotion {
	s.mu.Lock()
	defer s.mu.Unlock()

	if report.Score < s.threshold {
		s.streaks[report.AgentID] = 0
		return nil
	}

	s.streaks[report.AgentID]++
	streak := s.streaks[report.AgentID]
	if streak < s.windows {
		return nil
	}

	s.streaks[report.AgentID] = 0
	return &Promotion{
		ID:      uuid.New().String(),
		AgentID: report.AgentID,
		Action:  ActionPromote,
		Rationale: fmt.Sprintf("score %.4f cleared threshold %.4f for %d consecutive windows",
			report.Score, s.threshold, streak),
		Confidence: report.Confidence,
		Status:     PromotionPending,
		CreatedAt:  s.clock(),
	}
}

// Streak returns the agent's current consecutive above-threshold count,
// mainly for tests and /eval/submit's response payload.
func (s *Scorer) Streak(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaks[agentID]
}
