package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLockOneWinner(t *testing.T) {
	sc, _ := newTestSharedCache(t)
	ctx := context.Background()

	key := CacheKey{Operation: OpIntentClassification, SubjectID: "lead-1", InputDigest: "d1", Version: 1}

	lock, acquired, err := sc.AcquireComputeLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotNil(t, lock)

	_, acquired2, err := sc.AcquireComputeLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, lock.Release(ctx))

	_, acquired3, err := sc.AcquireComputeLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired3)
}

func TestComputeLockHardTTLExpiry(t *testing.T) {
	sc, mr := newTestSharedCache(t)
	ctx := context.Background()

	key := CacheKey{Operation: OpIntentClassification, SubjectID: "lead-1", InputDigest: "d1", Version: 1}

	lock, acquired, err := sc.AcquireComputeLock(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Second)

	// A crashed holder cannot block the next caller past the hard TTL.
	_, acquired2, err := sc.AcquireComputeLock(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, acquired2)

	// The original holder's release must not delete the new holder's lock.
	assert.ErrorIs(t, lock.Release(ctx), ErrLockNotHeld)
}

func TestComputeLockDistinctKeysIndependent(t *testing.T) {
	sc, _ := newTestSharedCache(t)
	ctx := context.Background()

	k1 := CacheKey{Operation: OpIntentClassification, SubjectID: "lead-1", InputDigest: "d1", Version: 1}
	k2 := CacheKey{Operation: OpIntentClassification, SubjectID: "lead-1", InputDigest: "d2", Version: 1}

	_, acquired1, err := sc.AcquireComputeLock(ctx, k1, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired1)

	_, acquired2, err := sc.AcquireComputeLock(ctx, k2, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired2)
}

func TestWaitForWinnerSeesWrite(t *testing.T) {
	sc, _ := newTestSharedCache(t)
	ctx := context.Background()

	key := CacheKey{Operation: OpIntentClassification, SubjectID: "lead-1", InputDigest: "d1", Version: 1}
	entry := testEntry(OpIntentClassification, "lead-1", "d1", 5*time.Minute, time.Now())

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = sc.SetEntry(context.Background(), entry)
	}()

	got, err := sc.waitForWinner(ctx, key, 25*time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, entry.Value, got.Value)
}

func TestWaitForWinnerTimesOut(t *testing.T) {
	sc, _ := newTestSharedCache(t)

	key := CacheKey{Operation: OpIntentClassification, SubjectID: "lead-1", InputDigest: "d1", Version: 1}

	start := time.Now()
	_, err := sc.waitForWinner(context.Background(), key, 10*time.Millisecond, 2)
	assert.ErrorIs(t, err, ErrStampedeLockTimeout)
	// Two retries after the initial poll.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
