package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRollbackWindow    = 5 * time.Minute
	defaultRollbackThreshold = 0.5
	defaultRollbackCooldown  = 15 * time.Minute
)

// RollbackController is the background canary auto-rollback watchdog
// (§4.4): it samples decision outcomes over a rolling window per canary
// policy and reverts to draft when the enforced-deny rate spikes.
type RollbackController struct {
	rdb       *redis.Client
	lifecycle *Lifecycle
	auditFn   func(ctx context.Context, policyID string) error

	window    time.Duration
	threshold float64
	cooldown  time.Duration
	clock     func() time.Time

	mu           sync.Mutex
	lastRollback map[string]time.Time
}

func NewRollbackController(rdb *redis.Client, lifecycle *Lifecycle, onRollback func(ctx context.Context, policyID string) error) *RollbackController {
	return &RollbackController{
		rdb:          rdb,
		lifecycle:    lifecycle,
		auditFn:      onRollback,
		window:       defaultRollbackWindow,
		threshold:    defaultRollbackThreshold,
		cooldown:     defaultRollbackCooldown,
		clock:        time.Now,
		lastRollback: make(map[string]time.Time),
	}
}

func (c *RollbackController) WithWindow(d time.Duration) *RollbackController {
	c.window = d
	return c
}

func (c *RollbackController) WithThreshold(t float64) *RollbackController {
	c.threshold = t
	return c
}

func (c *RollbackController) WithCooldown(d time.Duration) *RollbackController {
	c.cooldown = d
	return c
}

func canaryRedisKey(policyID string) string {
	return "sentinelnet:canary:" + policyID
}

// RecordOutcome appends one sampled canary decision outcome to policyID's
// rolling window.
func (c *RollbackController) RecordOutcome(ctx context.Context, policyID string, denied bool) error {
	tag := "A"
	if denied {
		tag = "D"
	}
	now := c.clock()
	member := fmt.Sprintf("%d:%s", now.UnixNano(), tag)
	if err := c.rdb.ZAdd(ctx, canaryRedisKey(policyID), redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("policy: record canary outcome: %w", err)
	}
	return nil
}

// CheckPolicy trims policyID's rolling window and rolls the policy back to
// draft if its enforced-deny rate over the rolling window exceeds threshold,
// respecting the rollback cooldown against flapping.
func (c *RollbackController) CheckPolicy(ctx context.Context, policyID string) error {
	now := c.clock()

	c.mu.Lock()
	if last, ok := c.lastRollback[policyID]; ok && now.Sub(last) < c.cooldown {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	key := canaryRedisKey(policyID)
	windowStart := now.Add(-c.window).UnixNano()
	if err := c.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10)).Err(); err != nil {
		return fmt.Errorf("policy: trim canary window: %w", err)
	}

	members, err := c.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("policy: read canary window: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	var denies int
	for _, m := range members {
		if strings.HasSuffix(m, ":D") {
			denies++
		}
	}
	rate := float64(denies) / float64(len(members))
	if rate <= c.threshold {
		return nil
	}

	if err := c.lifecycle.Transition(ctx, policyID, StateDraft, ""); err != nil {
		return fmt.Errorf("policy: canary rollback transition: %w", err)
	}
	if c.auditFn != nil {
		if err := c.auditFn(ctx, policyID); err != nil {
			return fmt.Errorf("policy: canary rollback audit: %w", err)
		}
	}

	c.mu.Lock()
	c.lastRollback[policyID] = now
	c.mu.Unlock()
	return nil
}

// Run polls every policy currently in canary state once per interval until
// ctx is cancelled, following the ticker-loop idiom the rest of the
// platform's background workers use.
func (c *RollbackController) Run(ctx context.Context, engine *Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range engine.ListPolicies() {
				if p.State != StateCanary {
					continue
				}
				_ = c.CheckPolicy(ctx, p.PolicyID)
			}
		}
	}
}
