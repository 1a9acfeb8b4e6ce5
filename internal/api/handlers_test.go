package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estateflow/responsecache/pkg/cache"
)

type fixture struct {
	server      *Server
	coordinator *cache.Coordinator
	shared      *cache.SharedCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	config := cache.DefaultConfig()
	shared := cache.NewSharedCache(client, nil, nil)
	local := cache.NewProcessCache(config.L1Capacity, config.L1TTL, nil)

	coordinator, err := cache.NewCoordinator(config, local, shared, nil, nil, nil)
	require.NoError(t, err)

	bus := cache.NewInvalidationBus(coordinator, shared, config, nil, nil)
	health := cache.NewHealthChecker(shared, nil)

	server := NewServer(DefaultConfig(), coordinator, bus, health, nil)
	return &fixture{server: server, coordinator: coordinator, shared: shared}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleStateChange(t *testing.T) {
	f := newFixture(t)

	// Prime a cache entry so the invalidation has something to purge.
	compute := func(ctx context.Context, inputs map[string]interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"score":72}`), nil
	}
	inputs := map[string]interface{}{"message": "hello"}
	_, err := f.coordinator.LookupOrCompute(context.Background(), cache.OpLeadScoring, "lead-1", inputs, compute)
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/v1/subjects/lead-1/state", map[string]string{
		"new_state": "hot",
		"reason":    "fast reply",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		EventID            string   `json:"event_id"`
		SubjectID          string   `json:"subject_id"`
		AffectedOperations []string `json:"affected_operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.EventID)
	assert.Equal(t, "lead-1", resp.SubjectID)
	assert.Equal(t, []string{"lead_scoring"}, resp.AffectedOperations)

	result, err := f.coordinator.LookupOrCompute(context.Background(), cache.OpLeadScoring, "lead-1", inputs, compute)
	require.NoError(t, err)
	assert.False(t, result.Hit)
}

func TestHandleStateChangeRequiresBody(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/subjects/lead-1/state", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInvalidationEventReplay(t *testing.T) {
	f := newFixture(t)

	body := map[string]interface{}{
		"event_id":            uuid.New().String(),
		"subject_id":          "lead-1",
		"new_state":           "closed",
		"affected_operations": []string{"lead_scoring"},
		"timestamp":           time.Now().Format(time.RFC3339),
	}

	rec := f.request(t, http.MethodPost, "/v1/invalidations", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Replaying the same event is accepted and dropped.
	rec = f.request(t, http.MethodPost, "/v1/invalidations", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleInvalidationEventRejectsBadUUID(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/invalidations", map[string]interface{}{
		"event_id":            "not-a-uuid",
		"subject_id":          "lead-1",
		"affected_operations": []string{"lead_scoring"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStats(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Contains(t, snap, "by_tier")
	assert.Contains(t, snap, "total_lookups")
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report cache.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
}

func TestHandleLiveness(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
