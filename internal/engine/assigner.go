package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/landingkit/abtest/internal/model"
	"github.com/landingkit/abtest/internal/resilience"
	"github.com/landingkit/abtest/internal/store"
)

// Assigner hands each visitor a variant and keeps that choice stable for the
// lifetime of the test. First-writer-wins persistence makes concurrent first
// visits from the same visitor converge on a single variant.
type Assigner struct {
	store store.Store
	retry resilience.RetryConfig

	// roll returns a uniform value in [0, n). Replaceable in tests.
	roll func(n int64) int64
}

func NewAssigner(s store.Store) *Assigner {
	return &Assigner{
		store: s,
		retry: resilience.DefaultRetryConfig(),
		roll:  rand.Int64N,
	}
}

// SetMaxAttempts overrides the conflict-write retry budget.
func (a *Assigner) SetMaxAttempts(n int) {
	if n > 0 {
		a.retry.MaxAttempts = n
	}
}

// GetOrAssign returns the visitor's variant for a running test, drawing and
// persisting one on the first visit. Repeat calls always return the variant
// persisted first, regardless of concurrency.
func (a *Assigner) GetOrAssign(ctx context.Context, testID, visitorID string) (*model.Assignment, error) {
	if testID == "" || visitorID == "" {
		return nil, eris.Wrap(ErrValidation, "test_id and visitor_id are required")
	}

	t, err := a.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusRunning {
		return nil, eris.Wrapf(ErrTestNotActive, "test %s is %s", testID, t.Status)
	}

	// Read path: an existing assignment wins and nothing is written.
	existing, err := a.store.GetAssignment(ctx, testID, visitorID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if len(t.Variants) == 0 {
		return nil, eris.Wrapf(ErrNoVariants, "test %s", testID)
	}

	// Write path. The insert-if-absent can come back empty-handed if an
	// opt-out delete lands between the conflicting insert and the read-back;
	// that reads as ErrNotFound and is worth a fresh draw.
	cfg := a.retry
	cfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, store.ErrNotFound) || resilience.IsTransient(err)
	}
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("retrying assignment write",
			zap.String("test_id", testID),
			zap.String("visitor_id", visitorID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	assigned, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.Assignment, error) {
		v := a.pickVariant(t.Variants)
		persisted, created, err := a.store.PutAssignment(ctx, model.Assignment{
			VisitorID:  visitorID,
			TestID:     testID,
			VariantID:  v.ID,
			AssignedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		if created {
			zap.L().Debug("variant assigned",
				zap.String("test_id", testID),
				zap.String("visitor_id", visitorID),
				zap.String("variant_id", v.ID),
			)
		}
		return persisted, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || resilience.IsTransient(err) {
			return nil, eris.Wrapf(ErrConflictRetryExhausted, "test %s visitor %s", testID, visitorID)
		}
		return nil, err
	}
	return assigned, nil
}

// Assign persists a caller-chosen variant for a visitor, the explicit
// fallback path next to GetOrAssign. First-writer-wins still applies: an
// existing assignment is returned unchanged.
func (a *Assigner) Assign(ctx context.Context, testID, visitorID, variantID string) (*model.Assignment, error) {
	if testID == "" || visitorID == "" || variantID == "" {
		return nil, eris.Wrap(ErrValidation, "test_id, visitor_id and variant_id are required")
	}

	t, err := a.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusRunning {
		return nil, eris.Wrapf(ErrTestNotActive, "test %s is %s", testID, t.Status)
	}

	found := false
	for i := range t.Variants {
		if t.Variants[i].ID == variantID {
			found = true
			break
		}
	}
	if !found {
		return nil, eris.Wrapf(ErrNotFound, "variant %s in test %s", variantID, testID)
	}

	persisted, _, err := a.store.PutAssignment(ctx, model.Assignment{
		VisitorID:  visitorID,
		TestID:     testID,
		VariantID:  variantID,
		AssignedAt: time.Now().UTC(),
	})
	return persisted, err
}

// Lookup returns the visitor's assignment without side effects.
func (a *Assigner) Lookup(ctx context.Context, testID, visitorID string) (*model.Assignment, error) {
	if testID == "" || visitorID == "" {
		return nil, eris.Wrap(ErrValidation, "test_id and visitor_id are required")
	}
	return a.store.GetAssignment(ctx, testID, visitorID)
}

// Unassign removes the visitor's assignment (opt-out). Idempotent.
func (a *Assigner) Unassign(ctx context.Context, testID, visitorID string) error {
	if testID == "" || visitorID == "" {
		return eris.Wrap(ErrValidation, "test_id and visitor_id are required")
	}
	return a.store.DeleteAssignment(ctx, testID, visitorID)
}

// pickVariant performs the weighted draw. Weights are the variants'
// traffic_split values with non-positive entries treated as zero; they need
// not sum to 100, the draw normalizes over the actual total. If every
// weight is zero the draw falls back to uniform.
func (a *Assigner) pickVariant(variants []model.Variant) *model.Variant {
	var total int64
	for i := range variants {
		if w := variants[i].TrafficSplit; w > 0 {
			total += int64(w)
		}
	}

	if total <= 0 {
		return &variants[a.roll(int64(len(variants)))]
	}

	x := a.roll(total)
	var cum int64
	for i := range variants {
		if w := variants[i].TrafficSplit; w > 0 {
			cum += int64(w)
		}
		if x < cum {
			return &variants[i]
		}
	}
	// Unreachable while x < total; keep the control as fallback.
	for i := range variants {
		if variants[i].IsControl {
			return &variants[i]
		}
	}
	return &variants[0]
}
