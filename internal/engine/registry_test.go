package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/landingkit/abtest/internal/model"
	"github.com/landingkit/abtest/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func headlineInput(weights ...int) TestInput {
	in := TestInput{
		Name:           "hero headline",
		Description:    "headline wording experiment",
		Type:           model.TypeHeadlineText,
		TargetSelector: "#hero h1",
		ConversionGoal: "signup",
		Variants: []VariantInput{
			{Name: "control", Value: "Ship faster", IsControl: true},
			{Name: "treatment", Value: "Ship twice as fast"},
		},
	}
	for i, w := range weights {
		if i < len(in.Variants) {
			in.Variants[i].TrafficSplit = w
		}
	}
	return in
}

func TestCreateTest_Validation(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*TestInput)
	}{
		{"empty name", func(in *TestInput) { in.Name = " " }},
		{"empty description", func(in *TestInput) { in.Description = "" }},
		{"empty selector", func(in *TestInput) { in.TargetSelector = "" }},
		{"no variants", func(in *TestInput) { in.Variants = nil }},
		{"unnamed variant", func(in *TestInput) { in.Variants[1].Name = "" }},
		{"negative weight", func(in *TestInput) { in.Variants[0].TrafficSplit = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := headlineInput()
			tc.mutate(&in)
			_, err := reg.CreateTest(ctx, in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateTest_Defaults(t *testing.T) {
	reg := NewRegistry(newTestStore(t))

	in := headlineInput()
	in.Type = ""
	in.Variants = append(in.Variants, VariantInput{Name: "treatment-2", Value: "Ship today"})

	created, err := reg.CreateTest(context.Background(), in)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StatusDraft, created.Status)
	assert.Equal(t, model.TypeCustom, created.Type)
	assert.Equal(t, 100, created.TrafficSplit)

	// No weights given: even split with the remainder on the first variant.
	require.Len(t, created.Variants, 3)
	assert.Equal(t, 34, created.Variants[0].TrafficSplit)
	assert.Equal(t, 33, created.Variants[1].TrafficSplit)
	assert.Equal(t, 33, created.Variants[2].TrafficSplit)
}

func TestCreateTest_KeepsExplicitWeights(t *testing.T) {
	reg := NewRegistry(newTestStore(t))

	created, err := reg.CreateTest(context.Background(), headlineInput(70, 30))
	require.NoError(t, err)

	require.Len(t, created.Variants, 2)
	assert.Equal(t, 70, created.Variants[0].TrafficSplit)
	assert.Equal(t, 30, created.Variants[1].TrafficSplit)
}

func TestCreateTest_PersistsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)

	got, err := reg.GetTest(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	require.Len(t, got.Variants, 2)
	assert.Equal(t, "control", got.Variants[0].Name)
	assert.True(t, got.Variants[0].IsControl)
}

func TestSetStatus_Transitions(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)

	for _, next := range []model.TestStatus{
		model.StatusRunning,
		model.StatusPaused,
		model.StatusRunning,
		model.StatusCompleted,
	} {
		got, err := reg.SetStatus(ctx, created.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
	}

	// Completed is terminal.
	_, err = reg.SetStatus(ctx, created.ID, model.StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetStatus_DraftCannotPause(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)

	_, err = reg.SetStatus(ctx, created.ID, model.StatusPaused)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := reg.GetTest(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)
}

func TestSetStatus_NotFound(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	_, err := reg.SetStatus(context.Background(), "nope", model.StatusRunning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTest_PatchAndAddVariant(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)

	name := "hero headline v2"
	goal := "checkout"
	got, err := reg.UpdateTest(ctx, created.ID, TestPatch{
		Name:           &name,
		ConversionGoal: &goal,
		AddVariants:    []VariantInput{{Name: "treatment-2", Value: "Ship today", TrafficSplit: 10}},
	})
	require.NoError(t, err)

	assert.Equal(t, name, got.Name)
	assert.Equal(t, goal, got.ConversionGoal)
	require.Len(t, got.Variants, 3)
	assert.Equal(t, "treatment-2", got.Variants[2].Name)
}

func TestUpdateTest_EmptyNameRejected(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)

	empty := "  "
	_, err = reg.UpdateTest(ctx, created.ID, TestPatch{Name: &empty})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateTest_NotFound(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	_, err := reg.UpdateTest(context.Background(), "nope", TestPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTest_RemovesEverything(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	asn := NewAssigner(st)
	rec := NewRecorder(st, NewAggregator(st))
	ctx := context.Background()

	created, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)
	_, err = reg.SetStatus(ctx, created.ID, model.StatusRunning)
	require.NoError(t, err)

	a, err := asn.GetOrAssign(ctx, created.ID, "vis-1")
	require.NoError(t, err)
	_, err = rec.Record(ctx, ResultInput{
		TestID: created.ID, VariantID: a.VariantID, VisitorID: "vis-1", Conversion: true,
	})
	require.NoError(t, err)

	require.NoError(t, reg.DeleteTest(ctx, created.ID))

	_, err = reg.GetTest(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = asn.Lookup(ctx, created.ID, "vis-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTest_NotFound(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	err := reg.DeleteTest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTests(t *testing.T) {
	reg := NewRegistry(newTestStore(t))
	ctx := context.Background()

	_, err := reg.CreateTest(ctx, headlineInput())
	require.NoError(t, err)
	in := headlineInput()
	in.Name = "cta color"
	_, err = reg.CreateTest(ctx, in)
	require.NoError(t, err)

	tests, err := reg.ListTests(ctx)
	require.NoError(t, err)
	assert.Len(t, tests, 2)
}
