package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/landingkit/abtest/internal/model"
)

// ErrNotFound is returned when a test, variant or assignment does not exist.
var ErrNotFound = eris.New("not found")

// VariantCount holds raw per-variant counters derived from the result log.
// Observations counts every row (a visitor may contribute several), not
// distinct visitors.
type VariantCount struct {
	VariantID    string
	Observations int
	Conversions  int
}

// Store defines the persistence interface for the A/B testing engine. The
// concurrency contracts (insert-if-absent assignments, atomic deletion
// cascade) are enforced behind this interface, once per backend.
type Store interface {
	// Tests
	CreateTest(ctx context.Context, t *model.Test) error
	GetTest(ctx context.Context, id string) (*model.Test, error)
	ListTests(ctx context.Context) ([]model.Test, error)
	UpdateTest(ctx context.Context, t *model.Test) error
	UpdateTestStatus(ctx context.Context, id string, status model.TestStatus) error
	AddVariant(ctx context.Context, v *model.Variant) error
	// DeleteTest removes the test and cascades to its results, assignments
	// and variants inside one transaction. Either everything goes or nothing.
	DeleteTest(ctx context.Context, id string) error

	// Assignments
	GetAssignment(ctx context.Context, testID, visitorID string) (*model.Assignment, error)
	// PutAssignment inserts the assignment unless one already exists for the
	// (visitor, test) pair. It returns the persisted assignment (the caller's
	// on a fresh insert, the prior winner's on a conflict) and whether this
	// call created it.
	PutAssignment(ctx context.Context, a model.Assignment) (*model.Assignment, bool, error)
	// DeleteAssignment is idempotent: deleting an absent assignment is a no-op.
	DeleteAssignment(ctx context.Context, testID, visitorID string) error

	// Results
	InsertResult(ctx context.Context, r *model.Result) error
	VariantCounts(ctx context.Context, testID string) ([]VariantCount, error)
	// SaveStats writes recomputed counters back onto the denormalized test
	// and variant columns in one transaction.
	SaveStats(ctx context.Context, stats model.TestStats) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
