package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorer_PromotesAfterHysteresisWindows(t *testing.T) {
	s := NewScorer(0.85, 3).WithClock(func() time.Time { return time.Unix(1700000000, 0) })

	require.Nil(t, s.Ingest(EvalReport{AgentID: "agent-123", Score: 0.88}))
	require.Nil(t, s.Ingest(EvalReport{AgentID: "agent-123", Score: 0.90}))

	promotion := s.Ingest(EvalReport{AgentID: "agent-123", Score: 0.92, Confidence: 0.7})
	require.NotNil(t, promotion)
	assert.Equal(t, "agent-123", promotion.AgentID)
	assert.Equal(t, ActionPromote, promotion.Action)
	assert.Equal(t, PromotionPending, promotion.Status)
	assert.Contains(t, promotion.Rationale, "3 consecutive windows")
}

func TestScorer_BelowThresholdResetsStreak(t *testing.T) {
	s := NewScorer(0.85, 3)

	require.Nil(t, s.Ingest(EvalReport{AgentID: "agent-1", Score: 0.9}))
	require.Nil(t, s.Ingest(EvalReport{AgentID: "agent-1", Score: 0.5}))
	assert.Equal(t, 0, s.Streak("agent-1"))

	require.Nil(t, s.Ingest(EvalReport{AgentID: "agent-1", Score: 0.9}))
	require.Nil(t, s.Ingest(EvalReport{AgentID: "agent-1", Score: 0.9}))
	assert.Equal(t, 2, s.Streak("agent-1"))
}

func TestScorer_IndependentAgents(t *testing.T) {
	s := NewScorer(0.85, 2)

	require.Nil(t, s.Ingest(EvalReport{AgentID: "a", Score: 0.9}))
	require.Nil(t, s.Ingest(EvalReport{AgentID: "b", Score: 0.9}))
	require.NotNil(t, s.Ingest(EvalReport{AgentID: "b", Score: 0.9}))

	assert.Equal(t, 1, s.Streak("a"))
}

func TestScorer_DefaultsAppliedForZeroValues(t *testing.T) {
	s := NewScorer(0, 0)
	assert.Equal(t, defaultPromotionThreshold, s.threshold)
	assert.Equal(t, defaultHysteresisWindows, s.windows)
}
