package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvalidationFixture(t *testing.T) (*coordinatorFixture, *InvalidationBus) {
	t.Helper()
	f := newCoordinatorFixture(t, nil)
	bus := NewInvalidationBus(f.coordinator, f.shared, f.config, nil, nil)
	return f, bus
}

func TestOnStateChangePurgesAffectedOperations(t *testing.T) {
	f, bus := newInvalidationFixture(t)
	ctx := context.Background()
	inputs := map[string]interface{}{"message": "how much is my budget"}

	// Prime every operation class for the subject.
	_, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	_, err = f.coordinator.LookupOrCompute(ctx, OpIntentClassification, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	require.Equal(t, int64(2), f.computes.Load())

	// Warm -> Hot transition invalidates only the lead score.
	evt, err := bus.OnStateChange(ctx, "lead-1", "hot", "replied within an hour")
	require.NoError(t, err)
	assert.Equal(t, []Operation{OpLeadScoring}, evt.AffectedOperations)

	result, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	assert.False(t, result.Hit)
	assert.Equal(t, int64(3), f.computes.Load())

	// Intent classification survived the transition.
	result, err = f.coordinator.LookupOrCompute(ctx, OpIntentClassification, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	assert.True(t, result.Hit)
}

func TestOnStateChangeTerminalStatePurgesWider(t *testing.T) {
	f, bus := newInvalidationFixture(t)
	ctx := context.Background()
	inputs := map[string]interface{}{"message": "stop contacting me"}

	for _, op := range []Operation{OpLeadScoring, OpResponseTemplate, OpConversationMemory, OpMarketContext} {
		_, err := f.coordinator.LookupOrCompute(ctx, op, "lead-1", inputs, f.compute)
		require.NoError(t, err)
	}

	evt, err := bus.OnStateChange(ctx, "lead-1", "unsubscribed", "opt-out")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Operation{OpLeadScoring, OpResponseTemplate, OpConversationMemory}, evt.AffectedOperations)

	for _, op := range evt.AffectedOperations {
		result, err := f.coordinator.LookupOrCompute(ctx, op, "lead-1", inputs, f.compute)
		require.NoError(t, err)
		assert.False(t, result.Hit, "operation %s should have been invalidated", op)
	}

	// Market context is not covered by any rule for this transition.
	result, err := f.coordinator.LookupOrCompute(ctx, OpMarketContext, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	assert.True(t, result.Hit)
}

func TestOnStateChangeLeavesOtherSubjectsAlone(t *testing.T) {
	f, bus := newInvalidationFixture(t)
	ctx := context.Background()
	inputs := map[string]interface{}{"message": "hello"}

	_, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	_, err = f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-2", inputs, f.compute)
	require.NoError(t, err)

	_, err = bus.OnStateChange(ctx, "lead-1", "hot", "")
	require.NoError(t, err)

	result, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-2", inputs, f.compute)
	require.NoError(t, err)
	assert.True(t, result.Hit)
}

func TestApplyIsIdempotent(t *testing.T) {
	f, bus := newInvalidationFixture(t)
	ctx := context.Background()
	inputs := map[string]interface{}{"message": "hello"}

	evt := &InvalidationEvent{
		EventID:            uuid.New(),
		SubjectID:          "lead-1",
		NewState:           "hot",
		AffectedOperations: []Operation{OpLeadScoring},
		Timestamp:          time.Now(),
	}

	_, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)

	require.NoError(t, bus.Apply(ctx, evt))

	// Re-prime the cache, then replay the same event: the replay is dropped
	// and the fresh entry survives.
	_, err = f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	require.Equal(t, int64(2), f.computes.Load())

	require.NoError(t, bus.Apply(ctx, evt))

	result, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	assert.True(t, result.Hit)
	assert.Equal(t, int64(2), f.computes.Load())
}

func TestApplyRejectsMissingEventID(t *testing.T) {
	_, bus := newInvalidationFixture(t)

	err := bus.Apply(context.Background(), &InvalidationEvent{
		SubjectID:          "lead-1",
		AffectedOperations: []Operation{OpLeadScoring},
	})
	assert.Error(t, err)
}

func TestApplyNoAffectedOperationsIsNoOp(t *testing.T) {
	f, bus := newInvalidationFixture(t)
	ctx := context.Background()
	inputs := map[string]interface{}{"message": "hello"}

	_, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)

	require.NoError(t, bus.Apply(ctx, &InvalidationEvent{
		EventID:   uuid.New(),
		SubjectID: "lead-1",
	}))

	result, err := f.coordinator.LookupOrCompute(ctx, OpLeadScoring, "lead-1", inputs, f.compute)
	require.NoError(t, err)
	assert.True(t, result.Hit)
}
