package geofeed

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidSelectorIsAndGet(t *testing.T) {
	err := invalidSelectorf("NewBBoxSelector", "left/right", "left must be < right")

	assert.True(t, IsInvalidSelector(err))
	assert.False(t, IsQueryFailed(err))

	got, ok := GetInvalidSelector(err)
	require.True(t, ok)
	assert.Equal(t, "left/right", got.Field)
}

func TestQueryFailedWrapsStage(t *testing.T) {
	cause := errors.New("connection reset")
	err := queryFailedf("materialize_nodes", cause)

	require.True(t, IsQueryFailed(err))
	got, ok := GetQueryFailed(err)
	require.True(t, ok)
	assert.Equal(t, "materialize_nodes", got.Stage)
	assert.ErrorIs(t, err, cause)
}

func TestErrorChainUnwrapsThroughFmtWrap(t *testing.T) {
	cause := errors.New("pool exhausted")
	base := &StoreUnavailable{GeofeedError{Op: "Store.BeginTx", Err: cause}}
	wrapped := fmt.Errorf("session init: %w", base)

	var target *StoreUnavailable
	require.True(t, errors.As(wrapped, &target))
	assert.ErrorIs(t, wrapped, cause)
}

func TestNotFoundCarriesKindAndID(t *testing.T) {
	err := notFoundf("NodeByID", KindNode, 42)

	assert.True(t, IsNotFound(err))
	got, ok := GetNotFound(err)
	require.True(t, ok)
	assert.Equal(t, KindNode, got.Kind)
	assert.Equal(t, uint64(42), got.ID)
}

func TestLifecycleViolationMessage(t *testing.T) {
	err := lifecycleViolationf("Iterate", "previous stream not yet closed")
	assert.True(t, IsLifecycleViolation(err))
	assert.Contains(t, err.Error(), "previous stream not yet closed")
}

func TestDistinctErrorKindsDoNotCrossMatch(t *testing.T) {
	err := invalidSelectorf("op", "field", "bad")
	assert.False(t, IsQueryFailed(err))
	assert.False(t, IsNotFound(err))
	assert.False(t, IsLifecycleViolation(err))
	assert.False(t, IsSchemaIncompatible(err))
	assert.False(t, IsStoreUnavailable(err))
	assert.False(t, IsCursorBroken(err))
}
