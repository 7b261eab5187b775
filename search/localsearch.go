package search

import (
	"math"
	"math/rand/v2"

	"github.com/automl-go/autotune/searchspace"
)

// LocalSearch is a low-cost-first randomized local search.
//
// It starts from the space's low-cost configuration, proposes neighbors of
// the incumbent at an adaptive step size (expanding on improvement,
// shrinking on failure), and performs random restarts when a walk bottoms
// out. After the restart budget is spent at minimum step size the proposer
// reports convergence.
type LocalSearch struct {
	space searchspace.Space
	rng   *rand.Rand

	step         float64
	minStep      float64
	restartsLeft int

	bestConfig searchspace.Config
	bestLoss   float64

	pending   map[string]searchspace.Config
	queue     []searchspace.Config // warm-start configs served before any sampling
	converged bool
	trials    int
}

const (
	defaultInitStep = 0.5
	defaultMinStep  = 0.01
	defaultRestarts = 2
	stepExpand      = 1.25
	stepShrink      = 0.8
)

// NewLocalSearch creates a LocalSearch over space. Extra warm-start
// configurations can be queued ahead of the low-cost start.
func NewLocalSearch(space searchspace.Space, seed uint64, warmStarts ...searchspace.Config) *LocalSearch {
	queue := make([]searchspace.Config, 0, len(warmStarts)+1)
	queue = append(queue, warmStarts...)
	if init := space.InitConfig(); init != nil {
		queue = append(queue, init)
	}

	return &LocalSearch{
		space:        space,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		step:         defaultInitStep,
		minStep:      defaultMinStep,
		restartsLeft: defaultRestarts,
		bestLoss:     math.Inf(1),
		pending:      make(map[string]searchspace.Config),
	}
}

// Ask implements Proposer.
func (ls *LocalSearch) Ask(trialID string) (searchspace.Config, error) {
	if ls.converged {
		return nil, ErrFinished
	}

	var cfg searchspace.Config
	switch {
	case len(ls.queue) > 0:
		cfg = ls.queue[0]
		ls.queue = ls.queue[1:]
	case ls.bestConfig == nil:
		cfg = ls.space.LowCostConfig()
	default:
		cfg = ls.space.Neighbor(ls.bestConfig, ls.step, ls.rng)
	}

	ls.pending[trialID] = cfg
	return cfg.Clone(), nil
}

// Tell implements Proposer.
func (ls *LocalSearch) Tell(trialID string, obs Observation) {
	cfg, ok := ls.pending[trialID]
	if !ok {
		cfg = obs.Config
	}
	delete(ls.pending, trialID)
	ls.trials++

	// NaN never counts as an improvement.
	if !math.IsNaN(obs.Loss) && obs.Loss < ls.bestLoss {
		ls.bestLoss = obs.Loss
		ls.bestConfig = cfg
		ls.step = math.Min(ls.step*stepExpand, 1.0)
		return
	}

	ls.step *= stepShrink
	if ls.step >= ls.minStep {
		return
	}

	if ls.restartsLeft > 0 {
		ls.restartsLeft--
		ls.step = defaultInitStep
		ls.queue = append(ls.queue, ls.space.Sample(ls.rng))
		return
	}
	ls.converged = true
}

// Drop discards a pending ask without recording an observation.
func (ls *LocalSearch) Drop(trialID string) {
	delete(ls.pending, trialID)
}

// Finish marks the search converged; subsequent Ask calls return ErrFinished.
func (ls *LocalSearch) Finish() {
	ls.converged = true
}

// Converged implements Proposer.
func (ls *LocalSearch) Converged() bool {
	return ls.converged
}

// Best returns the incumbent configuration and its loss.
func (ls *LocalSearch) Best() (searchspace.Config, float64) {
	return ls.bestConfig, ls.bestLoss
}

// NewLocalSearchFactory returns a Factory producing LocalSearch proposers.
func NewLocalSearchFactory() Factory {
	return func(space searchspace.Space, seed uint64) Proposer {
		return NewLocalSearch(space, seed)
	}
}
