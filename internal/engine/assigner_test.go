package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/landingkit/abtest/internal/model"
	"github.com/landingkit/abtest/internal/store"
)

func seedRunningTest(t *testing.T, st store.Store, weights ...int) *model.Test {
	t.Helper()
	reg := NewRegistry(st)
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput(weights...))
	require.NoError(t, err)
	running, err := reg.SetStatus(ctx, created.ID, model.StatusRunning)
	require.NoError(t, err)
	return running
}

func TestGetOrAssign_Validation(t *testing.T) {
	asn := NewAssigner(newTestStore(t))
	ctx := context.Background()

	_, err := asn.GetOrAssign(ctx, "", "vis-1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = asn.GetOrAssign(ctx, "test-1", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetOrAssign_UnknownTest(t *testing.T) {
	asn := NewAssigner(newTestStore(t))
	_, err := asn.GetOrAssign(context.Background(), "nope", "vis-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrAssign_OnlyRunningTests(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	asn := NewAssigner(st)
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)

	_, err = asn.GetOrAssign(ctx, created.ID, "vis-1")
	assert.ErrorIs(t, err, ErrTestNotActive)

	_, err = reg.SetStatus(ctx, created.ID, model.StatusRunning)
	require.NoError(t, err)
	_, err = reg.SetStatus(ctx, created.ID, model.StatusPaused)
	require.NoError(t, err)

	_, err = asn.GetOrAssign(ctx, created.ID, "vis-1")
	assert.ErrorIs(t, err, ErrTestNotActive)

	// The status gate never wrote anything.
	_, err = asn.Lookup(ctx, created.ID, "vis-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrAssign_StableAcrossCalls(t *testing.T) {
	st := newTestStore(t)
	asn := NewAssigner(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)

	first, err := asn.GetOrAssign(ctx, test.ID, "vis-1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := asn.GetOrAssign(ctx, test.ID, "vis-1")
		require.NoError(t, err)
		assert.Equal(t, first.VariantID, again.VariantID)
	}
}

func TestGetOrAssign_PausedKeepsExistingReadable(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	asn := NewAssigner(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)
	first, err := asn.GetOrAssign(ctx, test.ID, "vis-1")
	require.NoError(t, err)

	_, err = reg.SetStatus(ctx, test.ID, model.StatusPaused)
	require.NoError(t, err)

	// Lookup is not status-gated; only new assignments are.
	got, err := asn.Lookup(ctx, test.ID, "vis-1")
	require.NoError(t, err)
	assert.Equal(t, first.VariantID, got.VariantID)
}

func TestGetOrAssign_NoVariants(t *testing.T) {
	st := newTestStore(t)
	asn := NewAssigner(st)
	ctx := context.Background()

	now := time.Now().UTC()
	bare := &model.Test{
		ID:             uuid.New().String(),
		Name:           "bare",
		Description:    "no variants yet",
		Type:           model.TypeCustom,
		Status:         model.StatusRunning,
		TrafficSplit:   100,
		TargetSelector: "#cta",
		StartDate:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateTest(ctx, bare))

	_, err := asn.GetOrAssign(ctx, bare.ID, "vis-1")
	assert.ErrorIs(t, err, ErrNoVariants)
}

func TestGetOrAssign_ConcurrentFirstVisit(t *testing.T) {
	st := newTestStore(t)
	asn := NewAssigner(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)

	var g errgroup.Group
	variantIDs := make([]string, 16)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			a, err := asn.GetOrAssign(ctx, test.ID, "vis-1")
			if err != nil {
				return err
			}
			variantIDs[i] = a.VariantID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Every caller converged on the first writer's variant.
	persisted, err := asn.Lookup(ctx, test.ID, "vis-1")
	require.NoError(t, err)
	for _, id := range variantIDs {
		assert.Equal(t, persisted.VariantID, id)
	}
}

func TestAssign_ExplicitVariant(t *testing.T) {
	st := newTestStore(t)
	asn := NewAssigner(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)
	want := test.Variants[1].ID

	got, err := asn.Assign(ctx, test.ID, "vis-1", want)
	require.NoError(t, err)
	assert.Equal(t, want, got.VariantID)

	// First writer wins; a later explicit choice does not overwrite.
	again, err := asn.Assign(ctx, test.ID, "vis-1", test.Variants[0].ID)
	require.NoError(t, err)
	assert.Equal(t, want, again.VariantID)
}

func TestAssign_UnknownVariant(t *testing.T) {
	st := newTestStore(t)
	asn := NewAssigner(st)

	test := seedRunningTest(t, st)
	_, err := asn.Assign(context.Background(), test.ID, "vis-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnassign_AllowsRedraw(t *testing.T) {
	st := newTestStore(t)
	asn := NewAssigner(st)
	ctx := context.Background()

	test := seedRunningTest(t, st)
	_, err := asn.GetOrAssign(ctx, test.ID, "vis-1")
	require.NoError(t, err)

	require.NoError(t, asn.Unassign(ctx, test.ID, "vis-1"))
	require.NoError(t, asn.Unassign(ctx, test.ID, "vis-1"))

	_, err = asn.Lookup(ctx, test.ID, "vis-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = asn.GetOrAssign(ctx, test.ID, "vis-1")
	require.NoError(t, err)
}

func TestPickVariant_WeightBoundaries(t *testing.T) {
	asn := NewAssigner(newTestStore(t))
	variants := []model.Variant{
		{ID: "a", TrafficSplit: 70},
		{ID: "b", TrafficSplit: 30},
	}

	cases := []struct {
		roll int64
		want string
	}{
		{0, "a"},
		{69, "a"},
		{70, "b"},
		{99, "b"},
	}
	for _, tc := range cases {
		asn.roll = func(int64) int64 { return tc.roll }
		assert.Equal(t, tc.want, asn.pickVariant(variants).ID, "roll %d", tc.roll)
	}
}

func TestPickVariant_NormalizesOverActualTotal(t *testing.T) {
	asn := NewAssigner(newTestStore(t))
	variants := []model.Variant{
		{ID: "a", TrafficSplit: 3},
		{ID: "b", TrafficSplit: 1},
	}

	var sawTotal int64
	asn.roll = func(n int64) int64 {
		sawTotal = n
		return n - 1
	}
	got := asn.pickVariant(variants)
	assert.Equal(t, int64(4), sawTotal)
	assert.Equal(t, "b", got.ID)
}

func TestPickVariant_ZeroWeightsFallBackToUniform(t *testing.T) {
	asn := NewAssigner(newTestStore(t))
	variants := []model.Variant{
		{ID: "a", TrafficSplit: 0},
		{ID: "b", TrafficSplit: 0},
		{ID: "c", TrafficSplit: 0},
	}

	asn.roll = func(n int64) int64 {
		assert.Equal(t, int64(3), n)
		return 2
	}
	assert.Equal(t, "c", asn.pickVariant(variants).ID)
}

func TestPickVariant_Distribution(t *testing.T) {
	asn := NewAssigner(newTestStore(t))
	variants := []model.Variant{
		{ID: "a", TrafficSplit: 50},
		{ID: "b", TrafficSplit: 50},
	}

	const draws = 10000
	hits := map[string]int{}
	for i := 0; i < draws; i++ {
		hits[asn.pickVariant(variants).ID]++
	}

	// Equal weights land near 50/50; the bounds are loose enough to never
	// flake in practice.
	assert.Greater(t, hits["a"], draws*40/100)
	assert.Less(t, hits["a"], draws*60/100)
}
