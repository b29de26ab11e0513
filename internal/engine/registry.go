package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/landingkit/abtest/internal/model"
	"github.com/landingkit/abtest/internal/store"
)

// Registry owns the test lifecycle: creation, updates, the status state
// machine, and cascading deletion.
type Registry struct {
	store store.Store
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// VariantInput describes one variant at creation time.
type VariantInput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Value        string `json:"value"`
	CSSClass     string `json:"css_class"`
	CSSStyle     string `json:"css_style"`
	IsControl    bool   `json:"is_control"`
	TrafficSplit int    `json:"traffic_split"`
}

// TestInput describes a new test.
type TestInput struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Type           model.TestType `json:"type"`
	TrafficSplit   int            `json:"traffic_split"`
	TargetElement  string         `json:"target_element"`
	TargetSelector string         `json:"target_selector"`
	ConversionGoal string         `json:"conversion_goal"`
	EndDate        *time.Time     `json:"end_date"`
	Variants       []VariantInput `json:"variants"`
}

// CreateTest validates the input, fills defaults and persists the test in
// draft status together with its variants. Variants with no weights get an
// even split.
func (r *Registry) CreateTest(ctx context.Context, in TestInput) (*model.Test, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, eris.Wrap(ErrValidation, "name is required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, eris.Wrap(ErrValidation, "description is required")
	}
	if strings.TrimSpace(in.TargetSelector) == "" {
		return nil, eris.Wrap(ErrValidation, "target_selector is required")
	}
	if len(in.Variants) == 0 {
		return nil, eris.Wrap(ErrValidation, "at least one variant is required")
	}
	for i, v := range in.Variants {
		if strings.TrimSpace(v.Name) == "" {
			return nil, eris.Wrapf(ErrValidation, "variant %d: name is required", i)
		}
		if v.TrafficSplit < 0 {
			return nil, eris.Wrapf(ErrValidation, "variant %d: traffic_split must not be negative", i)
		}
	}

	now := time.Now().UTC()
	t := &model.Test{
		ID:             uuid.New().String(),
		Name:           in.Name,
		Description:    in.Description,
		Type:           in.Type,
		Status:         model.StatusDraft,
		TrafficSplit:   in.TrafficSplit,
		TargetElement:  in.TargetElement,
		TargetSelector: in.TargetSelector,
		ConversionGoal: in.ConversionGoal,
		StartDate:      now,
		EndDate:        in.EndDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Type == "" {
		t.Type = model.TypeCustom
	}
	if t.TrafficSplit <= 0 {
		t.TrafficSplit = 100
	}

	splits := defaultSplits(in.Variants)
	for i, v := range in.Variants {
		t.Variants = append(t.Variants, model.Variant{
			ID:           uuid.New().String(),
			TestID:       t.ID,
			Name:         v.Name,
			Description:  v.Description,
			Value:        v.Value,
			CSSClass:     v.CSSClass,
			CSSStyle:     v.CSSStyle,
			IsControl:    v.IsControl,
			TrafficSplit: splits[i],
		})
	}

	if err := r.store.CreateTest(ctx, t); err != nil {
		return nil, err
	}

	zap.L().Info("test created",
		zap.String("test_id", t.ID),
		zap.String("name", t.Name),
		zap.Int("variants", len(t.Variants)),
	)
	return t, nil
}

// defaultSplits returns the effective per-variant weights: the admin's
// weights when any are set, an even split of 100 otherwise (remainder goes
// to the first variants).
func defaultSplits(variants []VariantInput) []int {
	splits := make([]int, len(variants))
	anySet := false
	for i, v := range variants {
		splits[i] = v.TrafficSplit
		if v.TrafficSplit > 0 {
			anySet = true
		}
	}
	if anySet {
		return splits
	}

	n := len(variants)
	base := 100 / n
	rem := 100 % n
	for i := range splits {
		splits[i] = base
		if i < rem {
			splits[i]++
		}
	}
	return splits
}

// TestPatch carries optional field updates. Nil fields are left unchanged.
// AddVariants appends new variants to the test.
type TestPatch struct {
	Name           *string         `json:"name"`
	Description    *string         `json:"description"`
	Type           *model.TestType `json:"type"`
	TrafficSplit   *int            `json:"traffic_split"`
	TargetElement  *string         `json:"target_element"`
	TargetSelector *string         `json:"target_selector"`
	ConversionGoal *string         `json:"conversion_goal"`
	EndDate        *time.Time      `json:"end_date"`
	AddVariants    []VariantInput  `json:"add_variants"`
}

// UpdateTest applies a patch to an existing test and returns the updated
// record.
func (r *Registry) UpdateTest(ctx context.Context, id string, patch TestPatch) (*model.Test, error) {
	t, err := r.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, eris.Wrap(ErrValidation, "name must not be empty")
		}
		t.Name = *patch.Name
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Type != nil {
		t.Type = *patch.Type
	}
	if patch.TrafficSplit != nil {
		t.TrafficSplit = *patch.TrafficSplit
	}
	if patch.TargetElement != nil {
		t.TargetElement = *patch.TargetElement
	}
	if patch.TargetSelector != nil {
		t.TargetSelector = *patch.TargetSelector
	}
	if patch.ConversionGoal != nil {
		t.ConversionGoal = *patch.ConversionGoal
	}
	if patch.EndDate != nil {
		t.EndDate = patch.EndDate
	}

	if err := r.store.UpdateTest(ctx, t); err != nil {
		return nil, err
	}

	for _, vi := range patch.AddVariants {
		if strings.TrimSpace(vi.Name) == "" {
			return nil, eris.Wrap(ErrValidation, "variant name is required")
		}
		v := &model.Variant{
			ID:           uuid.New().String(),
			TestID:       t.ID,
			Name:         vi.Name,
			Description:  vi.Description,
			Value:        vi.Value,
			CSSClass:     vi.CSSClass,
			CSSStyle:     vi.CSSStyle,
			IsControl:    vi.IsControl,
			TrafficSplit: vi.TrafficSplit,
		}
		if err := r.store.AddVariant(ctx, v); err != nil {
			return nil, err
		}
	}

	return r.store.GetTest(ctx, id)
}

// SetStatus moves a test through the state machine. Invalid transitions
// fail with ErrInvalidTransition.
func (r *Registry) SetStatus(ctx context.Context, id string, status model.TestStatus) (*model.Test, error) {
	t, err := r.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}

	if !model.CanTransition(t.Status, status) {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s", t.Status, status)
	}

	if err := r.store.UpdateTestStatus(ctx, id, status); err != nil {
		return nil, err
	}

	zap.L().Info("test status changed",
		zap.String("test_id", id),
		zap.String("from", string(t.Status)),
		zap.String("to", string(status)),
	)
	t.Status = status
	return t, nil
}

// DeleteTest removes the test with all of its variants, assignments and
// results. The store guarantees the cascade is atomic.
func (r *Registry) DeleteTest(ctx context.Context, id string) error {
	if err := r.store.DeleteTest(ctx, id); err != nil {
		return err
	}
	zap.L().Info("test deleted", zap.String("test_id", id))
	return nil
}

func (r *Registry) GetTest(ctx context.Context, id string) (*model.Test, error) {
	return r.store.GetTest(ctx, id)
}

func (r *Registry) ListTests(ctx context.Context) ([]model.Test, error) {
	return r.store.ListTests(ctx)
}
