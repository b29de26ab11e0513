// Package engine implements the A/B testing core: test lifecycle management,
// deterministic visitor-to-variant assignment, conversion recording, and
// statistics aggregation over the result log.
package engine

import (
	"github.com/rotisserie/eris"

	"github.com/landingkit/abtest/internal/store"
)

var (
	// ErrValidation indicates missing or malformed caller input.
	ErrValidation = eris.New("validation failed")

	// ErrNotFound indicates an unknown test, variant or assignment.
	// Aliased from the store so errors.Is works across both packages.
	ErrNotFound = store.ErrNotFound

	// ErrTestNotActive is returned when assignment is attempted on a test
	// that is not running. Callers should treat it as "no experiment".
	ErrTestNotActive = eris.New("test is not running")

	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow.
	ErrInvalidTransition = eris.New("invalid status transition")

	// ErrNoVariants is returned when a running test has no variants to
	// draw from.
	ErrNoVariants = eris.New("test has no variants")

	// ErrConflictRetryExhausted is returned when the insert-if-absent
	// assignment write could not settle within the retry budget. Transient;
	// the caller may retry.
	ErrConflictRetryExhausted = eris.New("assignment conflict retries exhausted")
)
