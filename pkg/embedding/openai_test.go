package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingResponse(vec []float32) string {
	body, _ := json.Marshal(map[string]interface{}{
		"data":  []map[string]interface{}{{"embedding": vec, "index": 0}},
		"model": "text-embedding-3-small",
	})
	return string(body)
}

func newTestProvider(t *testing.T, endpoint string, overrides func(*Config)) *OpenAIProvider {
	t.Helper()
	config := Config{
		APIKey:         "test-key",
		Endpoint:       endpoint,
		Dimensions:     3,
		RetryDelayBase: time.Millisecond,
	}
	if overrides != nil {
		overrides(&config)
	}
	p, err := NewOpenAIProvider(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOpenAIProviderEmbed(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "show me homes", req.Input)
		require.NotNil(t, req.Dimensions)
		assert.Equal(t, 3, *req.Dimensions)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(embeddingResponse([]float32{0.1, 0.2, 0.3})))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, nil)

	vec, err := p.Embed(context.Background(), "show me homes")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/embeddings", gotPath)
}

func TestOpenAIProviderRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(embeddingResponse([]float32{1, 0, 0})))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, nil)

	vec, err := p.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIProviderDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid input","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, nil)

	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIProviderRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, func(c *Config) { c.MaxRetries = 2 })

	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestOpenAIProviderClosed(t *testing.T) {
	p := newTestProvider(t, "http://localhost:0", nil)
	require.NoError(t, p.Close())

	_, err := p.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestOpenAIProviderRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIProvider(Config{})
	assert.Error(t, err)
}

func TestOpenAIProviderDefaults(t *testing.T) {
	p, err := NewOpenAIProvider(Config{APIKey: "k"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, 1536, p.Dimensions())
}
