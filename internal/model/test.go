package model

import "time"

// TestStatus represents the lifecycle state of an A/B test.
type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusRunning   TestStatus = "running"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
	StatusStopped   TestStatus = "stopped"
)

// validTransitions is the full status state machine. Draft tests start,
// running tests pause or finish, paused tests resume. Completed and
// stopped are terminal.
var validTransitions = map[TestStatus][]TestStatus{
	StatusDraft:   {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted, StatusStopped},
	StatusPaused:  {StatusRunning},
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to TestStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TestType describes what kind of element the test experiments on. It is
// purely descriptive; the engine never branches on it.
type TestType string

const (
	TypeButtonColor  TestType = "button_color"
	TypeHeadlineText TestType = "headline_text"
	TypeCTAText      TestType = "cta_text"
	TypeLayout       TestType = "layout"
	TypeCustom       TestType = "custom"
)

// Test represents an A/B test with its variants. The TotalVisitors,
// Conversions and ConversionRate fields are a denormalized cache of the
// result log; the Aggregator rewrites them on every recompute.
type Test struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Type           TestType   `json:"type"`
	Status         TestStatus `json:"status"`
	TrafficSplit   int        `json:"traffic_split"`
	TargetElement  string     `json:"target_element,omitempty"`
	TargetSelector string     `json:"target_selector"`
	ConversionGoal string     `json:"conversion_goal,omitempty"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	TotalVisitors  int        `json:"total_visitors"`
	Conversions    int        `json:"conversions"`
	ConversionRate float64    `json:"conversion_rate"`
	Variants       []Variant  `json:"variants"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ControlVariant returns the variant marked as control, or the first
// variant when zero or several are marked. Returns nil for an empty list.
func (t *Test) ControlVariant() *Variant {
	if len(t.Variants) == 0 {
		return nil
	}
	for i := range t.Variants {
		if t.Variants[i].IsControl {
			return &t.Variants[i]
		}
	}
	return &t.Variants[0]
}

// Variant is one arm of a test. TrafficSplit is its weight within the
// test; the Visitors/Conversions/ConversionRate fields are cache, same as
// on Test.
type Variant struct {
	ID             string  `json:"id"`
	TestID         string  `json:"test_id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Value          string  `json:"value"`
	CSSClass       string  `json:"css_class,omitempty"`
	CSSStyle       string  `json:"css_style,omitempty"`
	IsControl      bool    `json:"is_control"`
	TrafficSplit   int     `json:"traffic_split"`
	Visitors       int     `json:"visitors"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Assignment binds a visitor to the variant it was shown. At most one
// assignment exists per (visitor, test) pair.
type Assignment struct {
	VisitorID  string    `json:"visitor_id"`
	TestID     string    `json:"test_id"`
	VariantID  string    `json:"variant_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Result is one conversion event. Rows are append-only; a visitor may
// contribute several rows for the same test.
type Result struct {
	ID              string    `json:"id"`
	TestID          string    `json:"test_id"`
	VariantID       string    `json:"variant_id"`
	VisitorID       string    `json:"visitor_id"`
	Conversion      bool      `json:"conversion"`
	ConversionValue *float64  `json:"conversion_value,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// VariantStats holds recomputed counters for one variant.
type VariantStats struct {
	VariantID      string  `json:"variant_id"`
	Name           string  `json:"name"`
	Visitors       int     `json:"visitors"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// TestStats holds recomputed counters for a whole test.
type TestStats struct {
	TestID         string         `json:"test_id"`
	TotalVisitors  int            `json:"total_visitors"`
	Conversions    int            `json:"conversions"`
	ConversionRate float64        `json:"conversion_rate"`
	Variants       []VariantStats `json:"variants"`
}
