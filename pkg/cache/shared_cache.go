package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/estateflow/responsecache/pkg/observability"
)

// SharedCache is the L2 tier: a Redis-backed, TTL-based cache shared by all
// worker processes. Every operation is a single round trip guarded by a
// circuit breaker, so a Redis outage degrades lookups instead of stalling
// them.
type SharedCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient

	now func() time.Time
}

// NewSharedCache wraps a Redis client as the L2 tier. The breaker opens
// after three consecutive failures and probes again after 30 seconds.
func NewSharedCache(client *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *SharedCache {
	if logger == nil {
		logger = observability.NewLogger("cache.l2")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-l2",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("L2 circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("cache.l2.breaker_transition", 1, map[string]string{
				"to": to.String(),
			})
		},
	})

	return &SharedCache{
		client:  client,
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// GetEntry fetches and decodes the entry for key. Returns ErrCacheMiss when
// the key is absent or the entry's TTL class has elapsed, ErrTierUnavailable
// on connectivity failure or an open breaker.
func (s *SharedCache) GetEntry(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	ctx, span := observability.StartSpan(ctx, "cache.l2.get")
	defer span.End()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, key.String()).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, s.unavailable("GET", err)
	}
	if result == nil {
		return nil, ErrCacheMiss
	}

	var entry CacheEntry
	if err := json.Unmarshal(result.([]byte), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}

	// A stale read is a miss, even if Redis has not expired the key yet.
	if entry.Expired(s.now()) {
		go s.bestEffortDelete(key.String())
		return nil, ErrCacheMiss
	}

	return &entry, nil
}

// SetEntry stores an entry under its TTL-class expiry. Writes under the same
// key and TTL class are idempotent: lock losers that recompute overwrite the
// winner's entry with an equivalent one.
func (s *SharedCache) SetEntry(ctx context.Context, entry *CacheEntry) error {
	ctx, span := observability.StartSpan(ctx, "cache.l2.set")
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, entry.Key.String(), data, entry.TTL).Err()
	})
	if err != nil {
		return s.unavailable("SET", err)
	}
	return nil
}

// Delete removes the given keys immediately.
func (s *SharedCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return s.unavailable("DEL", err)
	}
	return nil
}

// DeleteScope removes every key for an (operation, subject) pair using SCAN
// so large invalidations do not block Redis. Returns the number of deleted
// keys.
func (s *SharedCache) DeleteScope(ctx context.Context, version int, op Operation, subjectID string) (int, error) {
	ctx, span := observability.StartSpan(ctx, "cache.l2.delete_scope")
	defer span.End()

	pattern := subjectScope(version, op, subjectID) + "*"

	result, err := s.breaker.Execute(func() (interface{}, error) {
		deleted := 0
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) >= 100 {
				if err := s.client.Del(ctx, batch...).Err(); err != nil {
					return deleted, err
				}
				deleted += len(batch)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return deleted, err
		}
		if len(batch) > 0 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(batch)
		}
		return deleted, nil
	})
	if err != nil {
		return 0, s.unavailable("SCAN", err)
	}
	return result.(int), nil
}

// MarkEventApplied records an invalidation event ID with SET NX. It returns
// false when the event was already applied, making replays detectable.
func (s *SharedCache) MarkEventApplied(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, fmt.Sprintf("%s:inv:%s", keyPrefix, eventID), s.now().UnixNano(), ttl).Result()
	})
	if err != nil {
		return false, s.unavailable("SETNX", err)
	}
	return result.(bool), nil
}

// Ping verifies connectivity.
func (s *SharedCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *SharedCache) Close() error {
	return s.client.Close()
}

func (s *SharedCache) bestEffortDelete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Debug("lazy expiry delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (s *SharedCache) unavailable(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.metrics.IncrementCounterWithLabels("cache.l2.breaker_rejected", 1, map[string]string{"op": op})
		return fmt.Errorf("%w: breaker open for %s", ErrTierUnavailable, op)
	}
	s.logger.Error("L2 operation failed", map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	})
	s.metrics.IncrementCounterWithLabels("cache.l2.error", 1, map[string]string{"op": op})
	return fmt.Errorf("%w: %s failed: %v", ErrTierUnavailable, op, err)
}
