package engine

import (
	"context"
	"math"

	"github.com/landingkit/abtest/internal/model"
	"github.com/landingkit/abtest/internal/store"
)

// Aggregator recomputes the per-variant and per-test counters from the
// result log. Every recompute is a full replay, never an incremental delta,
// so the denormalized cache can always be rebuilt and never drifts
// permanently from the log.
type Aggregator struct {
	store store.Store
}

func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Recompute replays all results for the test, writes the counters back onto
// the test and variant cache columns, and returns the fresh stats. A test
// with no results yields all-zero stats, not an error.
func (g *Aggregator) Recompute(ctx context.Context, testID string) (*model.TestStats, error) {
	t, err := g.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	counts, err := g.store.VariantCounts(ctx, testID)
	if err != nil {
		return nil, err
	}
	byVariant := make(map[string]store.VariantCount, len(counts))
	for _, c := range counts {
		byVariant[c.VariantID] = c
	}

	stats := &model.TestStats{TestID: testID}
	for i := range t.Variants {
		v := &t.Variants[i]
		c := byVariant[v.ID]
		stats.Variants = append(stats.Variants, model.VariantStats{
			VariantID:      v.ID,
			Name:           v.Name,
			Visitors:       c.Observations,
			Conversions:    c.Conversions,
			ConversionRate: rate(c.Conversions, c.Observations),
		})
		stats.TotalVisitors += c.Observations
		stats.Conversions += c.Conversions
	}
	stats.ConversionRate = rate(stats.Conversions, stats.TotalVisitors)

	if err := g.store.SaveStats(ctx, *stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetStats returns fresh statistics for a test. It recomputes from the log
// on every call rather than trusting the cached columns, so reads stay
// correct even if a write ever bypassed the recorder.
func (g *Aggregator) GetStats(ctx context.Context, testID string) (*model.TestStats, error) {
	return g.Recompute(ctx, testID)
}

// rate returns conversions/visitors as a percentage rounded to two decimals,
// short-circuiting to 0 when there are no visitors.
func rate(conversions, visitors int) float64 {
	if visitors == 0 {
		return 0
	}
	return math.Round(float64(conversions)/float64(visitors)*100*100) / 100
}
