package search

import (
	"math"
	"math/rand/v2"

	"github.com/automl-go/autotune/searchspace"
)

// RandomSearch proposes independent uniform samples from the space.
// With MaxTrials > 0 it reports ErrFinished once the budget of proposals is
// spent; otherwise it never converges on its own.
type RandomSearch struct {
	space searchspace.Space
	rng   *rand.Rand

	// MaxTrials caps the number of proposals; 0 means unbounded.
	MaxTrials int

	asked    int
	bestLoss float64
	bestCfg  searchspace.Config
	pending  map[string]searchspace.Config
}

// NewRandomSearch creates a RandomSearch over space.
func NewRandomSearch(space searchspace.Space, seed uint64, maxTrials int) *RandomSearch {
	return &RandomSearch{
		space:     space,
		rng:       rand.New(rand.NewPCG(seed, seed+1)),
		MaxTrials: maxTrials,
		bestLoss:  math.Inf(1),
		pending:   make(map[string]searchspace.Config),
	}
}

// Ask implements Proposer.
func (rs *RandomSearch) Ask(trialID string) (searchspace.Config, error) {
	if rs.MaxTrials > 0 && rs.asked >= rs.MaxTrials {
		return nil, ErrFinished
	}
	rs.asked++

	cfg := rs.space.Sample(rs.rng)
	rs.pending[trialID] = cfg
	return cfg.Clone(), nil
}

// Tell implements Proposer.
func (rs *RandomSearch) Tell(trialID string, obs Observation) {
	cfg, ok := rs.pending[trialID]
	if !ok {
		cfg = obs.Config
	}
	delete(rs.pending, trialID)

	if !math.IsNaN(obs.Loss) && obs.Loss < rs.bestLoss {
		rs.bestLoss = obs.Loss
		rs.bestCfg = cfg
	}
}

// Converged implements Proposer.
func (rs *RandomSearch) Converged() bool {
	return rs.MaxTrials > 0 && rs.asked >= rs.MaxTrials
}

// Best returns the best configuration observed and its loss.
func (rs *RandomSearch) Best() (searchspace.Config, float64) {
	return rs.bestCfg, rs.bestLoss
}

// NewRandomSearchFactory returns a Factory producing RandomSearch proposers.
func NewRandomSearchFactory(maxTrials int) Factory {
	return func(space searchspace.Space, seed uint64) Proposer {
		return NewRandomSearch(space, seed, maxTrials)
	}
}
