package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/landingkit/abtest/internal/model"
	"github.com/landingkit/abtest/internal/store"
)

// Recorder appends conversion events to the result log. Writes are never
// gated on test status: late conversions from a paused or completed test are
// still legitimate data. The recorder also does not require a prior
// assignment; callers are trusted to supply ids obtained from GetOrAssign.
type Recorder struct {
	store      store.Store
	aggregator *Aggregator
}

func NewRecorder(s store.Store, agg *Aggregator) *Recorder {
	return &Recorder{store: s, aggregator: agg}
}

// ResultInput describes one conversion event.
type ResultInput struct {
	TestID          string   `json:"test_id"`
	VariantID       string   `json:"variant_id"`
	VisitorID       string   `json:"visitor_id"`
	Conversion      bool     `json:"conversion"`
	ConversionValue *float64 `json:"conversion_value"`
}

// Record appends one immutable result row and refreshes the test's
// denormalized counters. A recompute failure does not fail the record: the
// row is already durable and the next recompute heals the cache.
func (r *Recorder) Record(ctx context.Context, in ResultInput) (*model.Result, error) {
	if in.TestID == "" || in.VariantID == "" || in.VisitorID == "" {
		return nil, eris.Wrap(ErrValidation, "test_id, variant_id and visitor_id are required")
	}

	if _, err := r.store.GetTest(ctx, in.TestID); err != nil {
		return nil, err
	}

	result := &model.Result{
		ID:              uuid.New().String(),
		TestID:          in.TestID,
		VariantID:       in.VariantID,
		VisitorID:       in.VisitorID,
		Conversion:      in.Conversion,
		ConversionValue: in.ConversionValue,
		RecordedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertResult(ctx, result); err != nil {
		return nil, err
	}

	if _, err := r.aggregator.Recompute(ctx, in.TestID); err != nil {
		zap.L().Warn("stats refresh after record failed",
			zap.String("test_id", in.TestID),
			zap.Error(err),
		)
	}

	return result, nil
}
