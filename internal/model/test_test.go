package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TestStatus }{
		{StatusDraft, StatusRunning},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusStopped},
		{StatusPaused, StatusRunning},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to TestStatus }{
		{StatusDraft, StatusPaused},
		{StatusDraft, StatusCompleted},
		{StatusDraft, StatusStopped},
		{StatusPaused, StatusCompleted},
		{StatusPaused, StatusStopped},
		{StatusCompleted, StatusRunning},
		{StatusStopped, StatusRunning},
		{StatusCompleted, StatusDraft},
		{StatusRunning, StatusDraft},
		{StatusRunning, StatusRunning},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestControlVariant(t *testing.T) {
	t.Run("marked control wins", func(t *testing.T) {
		test := &Test{Variants: []Variant{
			{ID: "a"},
			{ID: "b", IsControl: true},
		}}
		assert.Equal(t, "b", test.ControlVariant().ID)
	})

	t.Run("no control falls back to first", func(t *testing.T) {
		test := &Test{Variants: []Variant{{ID: "a"}, {ID: "b"}}}
		assert.Equal(t, "a", test.ControlVariant().ID)
	})

	t.Run("multiple controls take the first marked", func(t *testing.T) {
		test := &Test{Variants: []Variant{
			{ID: "a"},
			{ID: "b", IsControl: true},
			{ID: "c", IsControl: true},
		}}
		assert.Equal(t, "b", test.ControlVariant().ID)
	})

	t.Run("empty variants", func(t *testing.T) {
		test := &Test{}
		assert.Nil(t, test.ControlVariant())
	})
}
