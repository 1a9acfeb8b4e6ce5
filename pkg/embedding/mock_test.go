package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProviderDeterministic(t *testing.T) {
	m := NewMockProvider(64)
	ctx := context.Background()

	v1, err := m.Embed(ctx, "show me homes")
	require.NoError(t, err)
	v2, err := m.Embed(ctx, "show me homes")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, err := m.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)

	assert.Equal(t, 3, m.CallCount())
}

func TestMockProviderUnitLength(t *testing.T) {
	m := NewMockProvider(128)

	vec, err := m.Embed(context.Background(), "anything at all")
	require.NoError(t, err)
	require.Len(t, vec, 128)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestMockProviderFixedEmbedding(t *testing.T) {
	pinned := []float32{1, 0, 0}
	m := NewMockProvider(3, WithFixedEmbedding("exact text", pinned))

	vec, err := m.Embed(context.Background(), "exact text")
	require.NoError(t, err)
	assert.Equal(t, pinned, vec)

	other, err := m.Embed(context.Background(), "other text")
	require.NoError(t, err)
	assert.NotEqual(t, pinned, other)
}

func TestMockProviderError(t *testing.T) {
	wantErr := errors.New("embedding service down")
	m := NewMockProvider(8, WithError(wantErr))

	_, err := m.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, wantErr)
	assert.ErrorIs(t, m.HealthCheck(context.Background()), wantErr)
}

func TestMockProviderLatencyHonorsContext(t *testing.T) {
	m := NewMockProvider(8, WithLatency(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Embed(ctx, "text")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
