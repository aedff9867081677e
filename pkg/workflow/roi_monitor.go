package workflow

import (
	"context"
	"time"
)

// ROISource supplies the observed return for an applied Promotion over a
// trailing window; an adapter over whatever telemetry store tracks
// resource spend against outcome.
type ROISource interface {
	ROI(ctx context.Context, promotionID, agentID string, window time.Duration) (float64, error)
}

// ROIMonitor watches applied promotions and emits a DemotionEvent the first
// time a promotion's ROI over Window turns negative (§4.8 "post-apply
// monitoring"). Once emitted for a promotion, Run stops watching it; the
// caller routes the DemotionEvent through the same allocation path in
// reverse. A re-promotion carries a new ID, so Run watches it again if the
// watch function returns it.
type ROIMonitor struct {
	source ROISource
	window time.Duration
	clock  func() time.Time
}

func NewROIMonitor(source ROISource, window time.Duration) *ROIMonitor {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ROIMonitor{source: source, window: window, clock: time.Now}
}

func (m *ROIMonitor) WithClock(clock func() time.Time) *ROIMonitor { m.clock = clock; return m }

// Check evaluates one promotion's current ROI and returns a DemotionEvent
// when it has gone negative, nil otherwise.
func (m *ROIMonitor) Check(ctx context.Context, promotion *Promotion) (*DemotionEvent, error) {
	roi, err := m.source.ROI(ctx, promotion.ID, promotion.AgentID, m.window)
	if err != nil {
		return nil, err
	}
	if roi >= 0 {
		return nil, nil
	}
	return &DemotionEvent{
		PromotionID: promotion.ID,
		AgentID:     promotion.AgentID,
		ROI:         roi,
		Window:      m.window,
	}, nil
}

// Run polls Check for every watched promotion on interval until ctx is
// canceled, forwarding any DemotionEvent it produces to onDemotion. Promotions
// that have already demoted are dropped from the watch list so a single
// negative-ROI window doesn't fire twice.
func (m *ROIMonitor) Run(ctx context.Context, watch func() []*Promotion, interval time.Duration, onDemotion func(context.Context, *DemotionEvent)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	demoted := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range watch() {
				if demoted[p.ID] {
					continue
				}
				event, err := m.Check(ctx, p)
				if err != nil || event == nil {
					continue
				}
				demoted[p.ID] = true
				onDemotion(ctx, event)
			}
		}
	}
}
