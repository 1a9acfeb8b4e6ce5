package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/estateflow/responsecache/pkg/observability"
)

// Recorder accumulates cache effectiveness statistics. The coordinator calls
// it on every lookup; the stats endpoint reads a Snapshot.
type Recorder interface {
	RecordLookup(tier Tier, op Operation, latency time.Duration, hit bool)
	RecordDegraded(tier Tier, reason string)
	Snapshot() *StatsSnapshot
}

// TierStats summarizes one tier's lookups.
type TierStats struct {
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	HitRate float64       `json:"hit_rate"`
	P50     time.Duration `json:"p50_latency"`
	P95     time.Duration `json:"p95_latency"`
	P99     time.Duration `json:"p99_latency"`
}

// StatsSnapshot is a point-in-time view of cache effectiveness.
type StatsSnapshot struct {
	ByTier         map[Tier]*TierStats      `json:"by_tier"`
	ByOperation    map[Operation]*TierStats `json:"by_operation"`
	DegradedEvents map[string]int64         `json:"degraded_events"`
	CostAvoidedUSD float64                  `json:"cost_avoided_usd"`
	TotalLookups   int64                    `json:"total_lookups"`
	OverallHitRate float64                  `json:"overall_hit_rate"`
	CollectedSince time.Time                `json:"collected_since"`
}

// maxLatencySamples bounds per-tier latency memory; older samples are
// overwritten ring-buffer style.
const maxLatencySamples = 4096

type tierCounters struct {
	hits      int64
	misses    int64
	latencies []time.Duration
	next      int
	filled    bool
}

func (t *tierCounters) observe(latency time.Duration, hit bool) {
	if hit {
		t.hits++
	} else {
		t.misses++
	}
	if t.latencies == nil {
		t.latencies = make([]time.Duration, maxLatencySamples)
	}
	t.latencies[t.next] = latency
	t.next++
	if t.next == maxLatencySamples {
		t.next = 0
		t.filled = true
	}
}

func (t *tierCounters) stats() *TierStats {
	s := &TierStats{Hits: t.hits, Misses: t.misses}
	total := t.hits + t.misses
	if total > 0 {
		s.HitRate = float64(t.hits) / float64(total)
	}
	n := t.next
	if t.filled {
		n = maxLatencySamples
	}
	if n > 0 {
		sorted := make([]time.Duration, n)
		copy(sorted, t.latencies[:n])
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.P50 = sorted[percentileIndex(n, 0.50)]
		s.P95 = sorted[percentileIndex(n, 0.95)]
		s.P99 = sorted[percentileIndex(n, 0.99)]
	}
	return s
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n)*p) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// LookupRecorder is the standard Recorder. It keeps counters per tier and per
// operation under a single mutex; lookups are cheap relative to the tiers
// they instrument.
type LookupRecorder struct {
	mu          sync.Mutex
	byTier      map[Tier]*tierCounters
	byOp        map[Operation]*tierCounters
	degraded    map[string]int64
	costAvoided float64
	since       time.Time

	config  *Config
	metrics observability.MetricsClient
}

func NewLookupRecorder(config *Config, metrics observability.MetricsClient) *LookupRecorder {
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &LookupRecorder{
		byTier:   make(map[Tier]*tierCounters),
		byOp:     make(map[Operation]*tierCounters),
		degraded: make(map[string]int64),
		since:    time.Now(),
		config:   config,
		metrics:  metrics,
	}
}

// RecordLookup counts one lookup outcome. A hit on any tier also accrues the
// operation's estimated provider cost to the cost-avoidance total.
func (r *LookupRecorder) RecordLookup(tier Tier, op Operation, latency time.Duration, hit bool) {
	r.mu.Lock()
	tc := r.byTier[tier]
	if tc == nil {
		tc = &tierCounters{}
		r.byTier[tier] = tc
	}
	oc := r.byOp[op]
	if oc == nil {
		oc = &tierCounters{}
		r.byOp[op] = oc
	}
	tc.observe(latency, hit)
	oc.observe(latency, hit)
	if hit {
		r.costAvoided += r.config.CostFor(op)
	}
	r.mu.Unlock()

	labels := map[string]string{"tier": string(tier), "operation": string(op)}
	if hit {
		r.metrics.IncrementCounterWithLabels("cache.lookup.hits", 1, labels)
	} else {
		r.metrics.IncrementCounterWithLabels("cache.lookup.misses", 1, labels)
	}
	r.metrics.RecordHistogram("cache.lookup.latency", latency.Seconds(), labels)
}

// RecordDegraded counts an availability event where a tier was skipped.
func (r *LookupRecorder) RecordDegraded(tier Tier, reason string) {
	r.mu.Lock()
	r.degraded[string(tier)+":"+reason]++
	r.mu.Unlock()

	r.metrics.IncrementCounterWithLabels("cache.degraded", 1, map[string]string{
		"tier":   string(tier),
		"reason": reason,
	})
}

// Snapshot returns a consistent copy of all counters.
func (r *LookupRecorder) Snapshot() *StatsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &StatsSnapshot{
		ByTier:         make(map[Tier]*TierStats, len(r.byTier)),
		ByOperation:    make(map[Operation]*TierStats, len(r.byOp)),
		DegradedEvents: make(map[string]int64, len(r.degraded)),
		CostAvoidedUSD: r.costAvoided,
		CollectedSince: r.since,
	}
	for tier, tc := range r.byTier {
		snap.ByTier[tier] = tc.stats()
	}
	for op, oc := range r.byOp {
		snap.ByOperation[op] = oc.stats()
	}
	for k, v := range r.degraded {
		snap.DegradedEvents[k] = v
	}
	// Each request is recorded once, against its resolving tier.
	var hits, total int64
	for _, oc := range r.byOp {
		hits += oc.hits
		total += oc.hits + oc.misses
	}
	snap.TotalLookups = total
	if total > 0 {
		snap.OverallHitRate = float64(hits) / float64(total)
	}
	return snap
}

// NoopRecorder discards everything. It keeps constructor call sites simple in
// tests that do not assert on stats.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (NoopRecorder) RecordLookup(Tier, Operation, time.Duration, bool) {}
func (NoopRecorder) RecordDegraded(Tier, string)                       {}
func (NoopRecorder) Snapshot() *StatsSnapshot {
	return &StatsSnapshot{
		ByTier:         map[Tier]*TierStats{},
		ByOperation:    map[Operation]*TierStats{},
		DegradedEvents: map[string]int64{},
	}
}
