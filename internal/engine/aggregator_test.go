package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landingkit/abtest/internal/model"
)

func TestGetStats_ReplaysResultLog(t *testing.T) {
	st := newTestStore(t)
	rec := NewRecorder(st, NewAggregator(st))
	agg := NewAggregator(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)
	v1, v2 := test.Variants[0].ID, test.Variants[1].ID

	for _, in := range []ResultInput{
		{TestID: test.ID, VariantID: v1, VisitorID: "vis-1", Conversion: true},
		{TestID: test.ID, VariantID: v1, VisitorID: "vis-2"},
		{TestID: test.ID, VariantID: v2, VisitorID: "vis-3", Conversion: true},
	} {
		_, err := rec.Record(ctx, in)
		require.NoError(t, err)
	}

	stats, err := agg.GetStats(ctx, test.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalVisitors)
	assert.Equal(t, 2, stats.Conversions)
	assert.InDelta(t, 66.67, stats.ConversionRate, 0.001)

	require.Len(t, stats.Variants, 2)
	assert.Equal(t, v1, stats.Variants[0].VariantID)
	assert.Equal(t, 2, stats.Variants[0].Visitors)
	assert.Equal(t, 1, stats.Variants[0].Conversions)
	assert.InDelta(t, 50.0, stats.Variants[0].ConversionRate, 0.001)

	assert.Equal(t, v2, stats.Variants[1].VariantID)
	assert.Equal(t, 1, stats.Variants[1].Visitors)
	assert.Equal(t, 1, stats.Variants[1].Conversions)
	assert.InDelta(t, 100.0, stats.Variants[1].ConversionRate, 0.001)
}

func TestGetStats_NoResultsYieldsZeros(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st)

	test := seedRunningTest(t, st)
	stats, err := agg.GetStats(context.Background(), test.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.TotalVisitors)
	assert.Equal(t, 0, stats.Conversions)
	assert.Zero(t, stats.ConversionRate)
	require.Len(t, stats.Variants, 2)
	for _, vs := range stats.Variants {
		assert.Zero(t, vs.Visitors)
		assert.Zero(t, vs.Conversions)
		assert.Zero(t, vs.ConversionRate)
	}
}

func TestGetStats_UnknownTest(t *testing.T) {
	agg := NewAggregator(newTestStore(t))
	_, err := agg.GetStats(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStats_IgnoresRowsForRemovedVariants(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)
	require.NoError(t, st.InsertResult(ctx, &model.Result{
		ID:         uuid.New().String(),
		TestID:     test.ID,
		VariantID:  "variant-that-no-longer-exists",
		VisitorID:  "vis-1",
		Conversion: true,
		RecordedAt: time.Now().UTC(),
	}))

	stats, err := agg.GetStats(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalVisitors)
	assert.Equal(t, 0, stats.Conversions)
}

func TestRecompute_HealsStaleCache(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	agg := NewAggregator(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)

	// A result written behind the recorder's back leaves the cached
	// counters stale until the next recompute.
	require.NoError(t, st.InsertResult(ctx, &model.Result{
		ID:         uuid.New().String(),
		TestID:     test.ID,
		VariantID:  test.Variants[0].ID,
		VisitorID:  "vis-1",
		Conversion: true,
		RecordedAt: time.Now().UTC(),
	}))

	before, err := reg.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, before.TotalVisitors)

	_, err = agg.Recompute(ctx, test.ID)
	require.NoError(t, err)

	after, err := reg.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.TotalVisitors)
	assert.Equal(t, 1, after.Conversions)
	assert.InDelta(t, 100.0, after.ConversionRate, 0.001)
}
