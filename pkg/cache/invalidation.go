package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/estateflow/responsecache/pkg/observability"
)

// appliedMarkerTTL bounds how long an event ID is remembered for replay
// detection. Replays arriving later than this are re-applied, which is
// harmless: invalidation is idempotent at the storage level too.
const appliedMarkerTTL = 24 * time.Hour

// InvalidationBus applies subject state transitions to the cache. Events are
// identified by EventID; applying the same event twice is a no-op after the
// first application.
type InvalidationBus struct {
	coordinator *Coordinator
	shared      *SharedCache
	config      *Config
	logger      observability.Logger
	metrics     observability.MetricsClient
	now         func() time.Time
}

func NewInvalidationBus(coordinator *Coordinator, shared *SharedCache, config *Config, logger observability.Logger, metrics observability.MetricsClient) *InvalidationBus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &InvalidationBus{
		coordinator: coordinator,
		shared:      shared,
		config:      config,
		logger:      logger.WithPrefix("invalidation"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// OnStateChange builds and applies the invalidation event for a subject
// transitioning to newState, per the configured rules. It returns the event
// so callers can log or forward it.
func (b *InvalidationBus) OnStateChange(ctx context.Context, subjectID, newState, reason string) (*InvalidationEvent, error) {
	ops := b.config.OperationsForState(newState)
	evt := &InvalidationEvent{
		EventID:            uuid.New(),
		SubjectID:          subjectID,
		NewState:           newState,
		Reason:             reason,
		AffectedOperations: ops,
		Timestamp:          b.now(),
	}
	if err := b.Apply(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Apply executes one invalidation event. Replayed events (same EventID) are
// dropped without touching storage.
func (b *InvalidationBus) Apply(ctx context.Context, evt *InvalidationEvent) error {
	ctx, span := observability.StartSpan(ctx, "cache.invalidation.apply")
	defer span.End()

	if evt.EventID == uuid.Nil {
		return fmt.Errorf("%w: invalidation event requires an event id", ErrInvalidConfig)
	}

	if b.shared != nil {
		first, err := b.shared.MarkEventApplied(ctx, evt.EventID.String(), appliedMarkerTTL)
		if err != nil {
			// If the marker store is unreachable we apply anyway; a duplicate
			// application only repeats idempotent deletes.
			b.logger.Warn("Replay marker unavailable, applying event unconditionally", map[string]interface{}{
				"event_id": evt.EventID.String(),
				"error":    err.Error(),
			})
		} else if !first {
			b.logger.Debug("Dropping replayed invalidation event", map[string]interface{}{
				"event_id":   evt.EventID.String(),
				"subject_id": evt.SubjectID,
			})
			b.metrics.IncrementCounter("cache.invalidation.replays", 1)
			return nil
		}
	}

	if len(evt.AffectedOperations) == 0 {
		return nil
	}

	if err := b.coordinator.Invalidate(ctx, evt.SubjectID, evt.AffectedOperations); err != nil {
		b.metrics.IncrementCounter("cache.invalidation.errors", 1)
		return fmt.Errorf("apply invalidation event %s: %w", evt.EventID, err)
	}

	b.logger.Info("Applied invalidation event", map[string]interface{}{
		"event_id":   evt.EventID.String(),
		"subject_id": evt.SubjectID,
		"new_state":  evt.NewState,
		"operations": evt.AffectedOperations,
	})
	b.metrics.IncrementCounter("cache.invalidation.applied", 1)
	return nil
}
