package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// MockProvider implements Provider for tests. Embeddings are derived
// deterministically from the input text, so the same text always produces
// the same unit-length vector.
type MockProvider struct {
	mu         sync.RWMutex
	dimensions int
	latency    time.Duration
	err        error
	callCount  int

	// fixed maps exact texts to canned vectors, letting tests control
	// similarity between specific inputs.
	fixed map[string][]float32
}

// MockOption configures a MockProvider.
type MockOption func(*MockProvider)

// WithLatency makes every Embed call sleep for the given duration.
func WithLatency(latency time.Duration) MockOption {
	return func(m *MockProvider) { m.latency = latency }
}

// WithError makes every Embed call fail with the given error.
func WithError(err error) MockOption {
	return func(m *MockProvider) { m.err = err }
}

// WithFixedEmbedding pins the vector returned for an exact text.
func WithFixedEmbedding(text string, vec []float32) MockOption {
	return func(m *MockProvider) { m.fixed[text] = vec }
}

// NewMockProvider creates a deterministic mock provider.
func NewMockProvider(dimensions int, opts ...MockOption) *MockProvider {
	if dimensions <= 0 {
		dimensions = 1536
	}
	m := &MockProvider{
		dimensions: dimensions,
		fixed:      make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Dimensions returns the configured dimensionality.
func (m *MockProvider) Dimensions() int { return m.dimensions }

// Embed returns a deterministic unit vector derived from the text.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.callCount++
	err := m.err
	latency := m.latency
	fixed, hasFixed := m.fixed[text]
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if err != nil {
		return nil, err
	}
	if hasFixed {
		return fixed, nil
	}
	return deterministicVector(text, m.dimensions), nil
}

// CallCount reports how many times Embed has been invoked.
func (m *MockProvider) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// HealthCheck reports the configured error state.
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close is a no-op.
func (m *MockProvider) Close() error { return nil }

// deterministicVector expands a chain of sha256 digests of the text into a
// normalized vector. Distinct texts produce near-orthogonal vectors.
func deterministicVector(text string, dimensions int) []float32 {
	vec := make([]float32, dimensions)

	block := sha256.Sum256([]byte(text))
	offset := 0

	var norm float64
	for i := 0; i < dimensions; i++ {
		if offset+4 > len(block) {
			block = sha256.Sum256(block[:])
			offset = 0
		}
		raw := binary.BigEndian.Uint32(block[offset : offset+4])
		offset += 4

		v := float64(raw)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
