package cache

import (
	"context"
	"time"
)

// TierHealth reports one tier's availability.
type TierHealth struct {
	Tier      Tier          `json:"tier"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthReport aggregates all tier probes. Degraded means at least one tier
// is down but the cache remains usable; only a total outage of every tier
// marks the report unhealthy.
type HealthReport struct {
	Healthy  bool         `json:"healthy"`
	Degraded bool         `json:"degraded"`
	Tiers    []TierHealth `json:"tiers"`
}

// HealthChecker probes the remote tiers.
type HealthChecker struct {
	shared   *SharedCache
	semantic *SemanticStore
	timeout  time.Duration
	now      func() time.Time
}

func NewHealthChecker(shared *SharedCache, semantic *SemanticStore) *HealthChecker {
	return &HealthChecker{
		shared:   shared,
		semantic: semantic,
		timeout:  3 * time.Second,
		now:      time.Now,
	}
}

// Check probes each configured tier. L1 is in-process memory and always
// healthy while the process runs.
func (h *HealthChecker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Tiers: []TierHealth{{
			Tier:      TierL1,
			Healthy:   true,
			CheckedAt: h.now(),
		}},
	}

	if h.shared != nil {
		report.Tiers = append(report.Tiers, h.probe(ctx, TierL2, h.shared.Ping))
	}
	if h.semantic != nil {
		report.Tiers = append(report.Tiers, h.probe(ctx, TierL3, h.semantic.HealthCheck))
	}

	healthyCount := 0
	for _, t := range report.Tiers {
		if t.Healthy {
			healthyCount++
		}
	}
	report.Healthy = healthyCount > 0
	report.Degraded = healthyCount < len(report.Tiers)
	return report
}

func (h *HealthChecker) probe(ctx context.Context, tier Tier, fn func(context.Context) error) TierHealth {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.now()
	err := fn(ctx)
	th := TierHealth{
		Tier:      tier,
		Healthy:   err == nil,
		Latency:   h.now().Sub(start),
		CheckedAt: h.now(),
	}
	if err != nil {
		th.Error = err.Error()
	}
	return th
}
