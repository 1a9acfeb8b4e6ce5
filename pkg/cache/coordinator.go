package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/estateflow/responsecache/pkg/observability"
)

// Coordinator walks the tiers for every lookup: L1, then L2, then (for
// semantic-eligible operations) L3 similarity search, then compute under a
// per-key stampede lock. Tier failures degrade the walk instead of failing
// the request; only the compute function's own error reaches the caller.
type Coordinator struct {
	config   *Config
	codec    *KeyCodec
	local    *ProcessCache
	shared   *SharedCache
	semantic *SemanticStore
	embedder Embedder
	recorder Recorder
	logger   observability.Logger
	now      func() time.Time
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRecorder installs a stats recorder.
func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires the tiers together. shared may be nil (L2 and stampede
// control disabled), as may semantic and embedder (L3 disabled); local is
// required.
func NewCoordinator(config *Config, local *ProcessCache, shared *SharedCache, semantic *SemanticStore, embedder Embedder, logger observability.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	c := &Coordinator{
		config:   config,
		codec:    NewKeyCodec(config.KeyVersion),
		local:    local,
		shared:   shared,
		semantic: semantic,
		embedder: embedder,
		recorder: NewNoopRecorder(),
		logger:   logger.WithPrefix("coordinator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LookupOrCompute resolves one operation: serve from the fastest tier that
// has a fresh entry, otherwise compute under stampede control and write
// through. The returned LookupResult reports which tier answered.
func (c *Coordinator) LookupOrCompute(ctx context.Context, op Operation, subjectID string, inputs map[string]interface{}, compute ComputeFunc) (*LookupResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.lookup_or_compute")
	defer span.End()

	start := c.now()

	if c.config.IsBypass(op) {
		value, err := compute(ctx, inputs)
		if err != nil {
			return nil, err
		}
		return &LookupResult{Value: value, Hit: false, Tier: TierMiss}, nil
	}

	key, err := c.codec.ComputeKey(op, subjectID, inputs)
	if err != nil {
		// Unencodable inputs force a direct compute so the request still
		// succeeds; nothing is cached under a key we could not mint.
		c.logger.Warn("Key encoding failed, bypassing cache", map[string]interface{}{
			"operation":  string(op),
			"subject_id": subjectID,
			"error":      err.Error(),
		})
		c.recorder.RecordDegraded(TierMiss, "key_encoding")
		value, cerr := compute(ctx, inputs)
		if cerr != nil {
			return nil, cerr
		}
		return &LookupResult{Value: value, Hit: false, Tier: TierMiss}, nil
	}

	if entry, ok := c.lookupL1(key); ok {
		c.recorder.RecordLookup(TierL1, op, c.now().Sub(start), true)
		return &LookupResult{Value: entry.Value, Hit: true, Tier: TierL1, Key: key}, nil
	}

	if entry := c.lookupL2(ctx, key); entry != nil {
		c.backfillL1(entry)
		c.recorder.RecordLookup(TierL2, op, c.now().Sub(start), true)
		return &LookupResult{Value: entry.Value, Hit: true, Tier: TierL2, Key: key}, nil
	}

	if c.config.IsSemanticEligible(op) {
		if result := c.lookupL3(ctx, op, subjectID, key, inputs); result != nil {
			c.recorder.RecordLookup(TierL3, op, c.now().Sub(start), true)
			return result, nil
		}
	}

	value, tier, err := c.computeWithLock(ctx, key, op, subjectID, inputs, compute)
	if err != nil {
		return nil, err
	}
	hit := tier != TierMiss
	c.recorder.RecordLookup(tier, op, c.now().Sub(start), hit)
	return &LookupResult{Value: value, Hit: hit, Tier: tier, Key: key}, nil
}

func (c *Coordinator) lookupL1(key CacheKey) (*CacheEntry, bool) {
	if c.local == nil {
		return nil, false
	}
	return c.local.Get(key)
}

// lookupL2 returns nil on miss and on L2 unavailability; the caller keeps
// walking either way.
func (c *Coordinator) lookupL2(ctx context.Context, key CacheKey) *CacheEntry {
	if c.shared == nil {
		return nil
	}
	entry, err := c.shared.GetEntry(ctx, key)
	if err != nil {
		if errors.Is(err, ErrTierUnavailable) {
			c.recorder.RecordDegraded(TierL2, "unavailable")
		}
		return nil
	}
	return entry
}

// lookupL3 embeds the normalized input text and searches for a similar, fresh
// record. A hit is written through to L2 and L1 under the exact key so the
// next identical request resolves faster.
func (c *Coordinator) lookupL3(ctx context.Context, op Operation, subjectID string, key CacheKey, inputs map[string]interface{}) *LookupResult {
	if c.semantic == nil || c.embedder == nil {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < 50*time.Millisecond {
		// Not enough budget for an embedding round trip; fall through to
		// compute rather than blow the caller's deadline on a maybe-hit.
		c.recorder.RecordDegraded(TierL3, "deadline")
		return nil
	}

	text := c.codec.NormalizeText(inputs)
	if text == "" {
		return nil
	}

	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		c.logger.Warn("Embedding failed, skipping semantic lookup", map[string]interface{}{
			"operation": string(op),
			"error":     err.Error(),
		})
		c.recorder.RecordDegraded(TierL3, "embedding")
		return nil
	}

	candidates, err := c.semantic.LookupSimilar(ctx, op, subjectID, embedding,
		float64(c.config.SimilarityThreshold), c.config.MaxCandidates, c.config.TTLFor(op))
	if err != nil {
		c.recorder.RecordDegraded(TierL3, "unavailable")
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if cand.Similarity > best.Similarity ||
			(cand.Similarity == best.Similarity && cand.ComputedAt.After(best.ComputedAt)) {
			best = cand
		}
	}

	entry := &CacheEntry{
		Key:        key,
		Value:      json.RawMessage(best.Value),
		ComputedAt: best.ComputedAt,
		TTLClass:   string(op),
		TTL:        c.config.TTLFor(op),
		SourceTier: TierL3,
	}
	c.writeThroughL2(ctx, entry)
	c.backfillL1(entry)

	return &LookupResult{
		Value:      entry.Value,
		Hit:        true,
		Tier:       TierL3,
		Similarity: best.Similarity,
		Key:        key,
	}
}

// computeWithLock runs the compute under a per-key lock so concurrent misses
// for the same key collapse into one provider call. Losers wait briefly for
// the winner's write-through; if it never lands they compute independently.
// The returned tier is TierL2 when a lock loser was served the winner's
// write, TierMiss when this call ran the compute itself.
func (c *Coordinator) computeWithLock(ctx context.Context, key CacheKey, op Operation, subjectID string, inputs map[string]interface{}, compute ComputeFunc) (json.RawMessage, Tier, error) {
	if c.shared == nil {
		value, err := c.computeAndStore(ctx, key, op, subjectID, inputs, compute)
		return value, TierMiss, err
	}

	lock, acquired, err := c.shared.AcquireComputeLock(ctx, key, c.config.LockTTL)
	if err != nil {
		// L2 is down, so there is no lock and no write-through target.
		c.recorder.RecordDegraded(TierL2, "unavailable")
		value, cerr := c.computeAndStore(ctx, key, op, subjectID, inputs, compute)
		return value, TierMiss, cerr
	}

	if !acquired {
		entry, waitErr := c.shared.waitForWinner(ctx, key, c.config.LockRetryInterval, c.config.LockMaxRetries)
		if waitErr == nil {
			c.backfillL1(entry)
			return entry.Value, TierL2, nil
		}
		if !errors.Is(waitErr, ErrStampedeLockTimeout) && !errors.Is(waitErr, ErrTierUnavailable) {
			return nil, TierMiss, waitErr
		}
		// The winner crashed or is slow; compute without the lock rather
		// than queue behind its hard TTL.
		value, cerr := c.computeAndStore(ctx, key, op, subjectID, inputs, compute)
		return value, TierMiss, cerr
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if relErr := lock.Release(releaseCtx); relErr != nil && !errors.Is(relErr, ErrLockNotHeld) {
			c.logger.Warn("Failed to release compute lock", map[string]interface{}{
				"key":   key.String(),
				"error": relErr.Error(),
			})
		}
	}()

	// Re-check L2 under the lock: a previous winner may have written through
	// between this caller's miss and its lock acquisition.
	if entry, err := c.shared.GetEntry(ctx, key); err == nil {
		c.backfillL1(entry)
		return entry.Value, TierL2, nil
	}

	value, err := c.computeAndStore(ctx, key, op, subjectID, inputs, compute)
	return value, TierMiss, err
}

// computeAndStore invokes the compute function and writes the result through
// every tier. The L2 write completes before the value is returned so other
// processes observe it immediately; L1 and L3 writes are best effort.
func (c *Coordinator) computeAndStore(ctx context.Context, key CacheKey, op Operation, subjectID string, inputs map[string]interface{}, compute ComputeFunc) (json.RawMessage, error) {
	value, err := compute(ctx, inputs)
	if err != nil {
		return nil, err
	}

	entry := &CacheEntry{
		Key:        key,
		Value:      value,
		ComputedAt: c.now(),
		TTLClass:   string(op),
		TTL:        c.config.TTLFor(op),
		SourceTier: TierMiss,
	}

	c.writeThroughL2(ctx, entry)
	c.backfillL1(entry)

	if c.semantic != nil && c.embedder != nil && c.config.IsSemanticEligible(op) {
		c.storeSemantic(ctx, key, op, subjectID, inputs, entry)
	}

	return value, nil
}

func (c *Coordinator) writeThroughL2(ctx context.Context, entry *CacheEntry) {
	if c.shared == nil {
		return
	}
	if err := c.shared.SetEntry(ctx, entry); err != nil {
		c.recorder.RecordDegraded(TierL2, "write")
	}
}

func (c *Coordinator) backfillL1(entry *CacheEntry) {
	if c.local == nil || entry == nil {
		return
	}
	c.local.Put(entry)
}

func (c *Coordinator) storeSemantic(ctx context.Context, key CacheKey, op Operation, subjectID string, inputs map[string]interface{}, entry *CacheEntry) {
	text := c.codec.NormalizeText(inputs)
	if text == "" {
		return
	}
	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		c.logger.Warn("Embedding failed, skipping semantic store", map[string]interface{}{
			"operation": string(op),
			"error":     err.Error(),
		})
		return
	}
	rec := &SemanticRecord{
		Operation:      op,
		SubjectID:      subjectID,
		NormalizedText: text,
		CacheKey:       key.String(),
		Value:          entry.Value,
		Embedding:      embedding,
		ComputedAt:     entry.ComputedAt,
	}
	if err := c.semantic.Insert(ctx, rec); err != nil {
		c.logger.Warn("Semantic store write failed", map[string]interface{}{
			"operation": string(op),
			"error":     err.Error(),
		})
		c.recorder.RecordDegraded(TierL3, "write")
	}
}

// Invalidate drops every cached result for the subject under the given
// operations, across the tiers this process can reach. L1 entries in other
// processes age out within the configured L1 TTL.
func (c *Coordinator) Invalidate(ctx context.Context, subjectID string, ops []Operation) error {
	ctx, span := observability.StartSpan(ctx, "cache.invalidate")
	defer span.End()

	var firstErr error
	for _, op := range ops {
		if c.local != nil {
			c.local.RemoveSubject(c.config.KeyVersion, op, subjectID)
		}
		if c.shared != nil {
			if _, err := c.shared.DeleteScope(ctx, c.config.KeyVersion, op, subjectID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if c.semantic != nil {
		if _, err := c.semantic.MarkStale(ctx, subjectID, ops); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns the recorder's current snapshot.
func (c *Coordinator) Stats() *StatsSnapshot {
	return c.recorder.Snapshot()
}

// Configuration exposes the effective configuration for handlers that need
// TTL or rule information.
func (c *Coordinator) Configuration() *Config {
	return c.config
}
