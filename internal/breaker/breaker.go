// Package breaker implements the scheduler's circuit breakers: the three
// independent checks that decide whether a run must halt rather than
// continue iterating.
package breaker

import (
	"fmt"

	"github.com/cloudforge/cloudforge/internal/state"
)

// ConsecutiveRetriesThreshold is the default trip point for the
// consecutive-retries breaker.
const ConsecutiveRetriesThreshold = 3

// RepeatedErrorsWindow is how many of the most recent errors must be
// byte-identical to trip the repeated-errors breaker.
const RepeatedErrorsWindow = 3

// Verdict is the result of evaluating all breakers for one iteration.
type Verdict struct {
	Halt   bool
	Reason string
}

// Evaluate runs the three checks in order — iteration cap, consecutive
// retries, repeated identical errors — and returns the first halt verdict,
// or a non-halting Verdict if none trip.
func Evaluate(s *state.State) Verdict {
	if s.Iteration >= s.IterationCap {
		return Verdict{Halt: true, Reason: fmt.Sprintf("iteration cap reached (%d/%d)", s.Iteration, s.IterationCap)}
	}

	if s.ConsecutiveRetries >= ConsecutiveRetriesThreshold {
		return Verdict{Halt: true, Reason: fmt.Sprintf("%d consecutive retries without progress", s.ConsecutiveRetries)}
	}

	if repeatedIdenticalErrors(s.LastErrors) {
		return Verdict{Halt: true, Reason: "the last 3 errors were identical"}
	}

	return Verdict{}
}

func repeatedIdenticalErrors(lastErrors []string) bool {
	if len(lastErrors) < RepeatedErrorsWindow {
		return false
	}
	recent := lastErrors[len(lastErrors)-RepeatedErrorsWindow:]
	first := recent[0]
	for _, e := range recent[1:] {
		if e != first {
			return false
		}
	}
	return true
}
