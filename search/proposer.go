// Package search provides the configuration-proposer boundary the scheduler
// consumes, plus built-in proposer implementations.
//
// A Proposer speaks an ask/tell protocol: Ask returns the next configuration
// to evaluate for a trial, Tell reports the observed result back, and
// Converged reports whether the proposer has exhausted its search space.
// The scheduler treats proposers as black boxes; anything implementing the
// interface can drive a learner's search.
package search

import (
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// ErrFinished is returned by Ask when the proposer has no further
// configurations to offer. The scheduler deactivates the learner.
var ErrFinished = errors.New("search: proposer finished")

// Observation is the result of one evaluated trial, told back to a proposer.
type Observation struct {
	Config searchspace.Config

	// Loss is the validation loss; +Inf (or NaN) marks a failed trial.
	Loss float64

	// Cost is the evaluation time of the trial in budget units.
	Cost float64
}

// Proposer is the single-learner configuration optimizer boundary.
type Proposer interface {
	// Ask returns the configuration to evaluate for trialID, or ErrFinished.
	Ask(trialID string) (searchspace.Config, error)

	// Tell reports the observed result for a previously asked trial.
	Tell(trialID string, obs Observation)

	// Converged reports local-search convergence: the proposer no longer
	// expects to improve by continuing.
	Converged() bool
}

// Factory builds a fresh proposer over a space. The scheduler creates one
// proposer per learner at run start.
type Factory func(space searchspace.Space, seed uint64) Proposer
