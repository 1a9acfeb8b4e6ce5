package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/estateflow/responsecache/pkg/observability"
)

// releaseLockScript deletes the lock only when the caller still holds it,
// so a holder whose lock expired cannot delete a successor's lock.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ComputeLock is a per-key stampede lock held by the worker computing a
// missed value. The lock carries a hard TTL so a crashed holder can never
// deadlock other callers.
type ComputeLock struct {
	cache      *SharedCache
	lockKey    string
	token      string
	acquiredAt time.Time
}

func stampedeLockKey(key CacheKey) string {
	return fmt.Sprintf("%s:lock:%s", keyPrefix, key.String())
}

// AcquireComputeLock attempts to take the stampede lock for key with a
// single SET NX round trip. It returns (nil, false, nil) when another worker
// holds the lock, and ErrTierUnavailable on connectivity failure.
func (s *SharedCache) AcquireComputeLock(ctx context.Context, key CacheKey, ttl time.Duration) (*ComputeLock, bool, error) {
	ctx, span := observability.StartSpan(ctx, "cache.l2.acquire_lock")
	defer span.End()

	token := uuid.New().String()
	lockKey := stampedeLockKey(key)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, lockKey, token, ttl).Result()
	})
	if err != nil {
		return nil, false, s.unavailable("SETNX", err)
	}
	if !result.(bool) {
		return nil, false, nil
	}

	return &ComputeLock{
		cache:      s,
		lockKey:    lockKey,
		token:      token,
		acquiredAt: s.now(),
	}, true, nil
}

// Release frees the lock if this holder still owns it. Returns ErrLockNotHeld
// when the lock already expired or was acquired by another worker; callers
// treat that as informational since the hard TTL already protected progress.
func (l *ComputeLock) Release(ctx context.Context) error {
	result, err := l.cache.breaker.Execute(func() (interface{}, error) {
		return l.cache.client.Eval(ctx, releaseLockScript, []string{l.lockKey}, l.token).Result()
	})
	if err != nil {
		return l.cache.unavailable("EVAL", err)
	}
	if result.(int64) == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// waitForWinner polls L2 with bounded backoff waiting for the lock winner's
// write-through to become visible. It makes at most maxRetries+1 polls and
// returns ErrStampedeLockTimeout when the write never appears; the caller
// then computes independently.
func (s *SharedCache) waitForWinner(ctx context.Context, key CacheKey, interval time.Duration, maxRetries int) (*CacheEntry, error) {
	var entry *CacheEntry

	poll := func() error {
		found, err := s.GetEntry(ctx, key)
		if err == nil {
			entry = found
			return nil
		}
		if errors.Is(err, ErrCacheMiss) {
			return err // retryable: the winner has not written yet
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxRetries)),
		ctx,
	)

	if err := backoff.Retry(poll, policy); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrStampedeLockTimeout
		}
		return nil, err
	}
	return entry, nil
}
