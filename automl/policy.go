package automl

import (
	"math"
	"math/rand/v2"
	"sort"
)

// costTieEpsilon is the relative margin within which two selection costs
// count as tied for the anti-starvation fallback.
const costTieEpsilon = 1e-9

// Policy picks the next learner to evaluate. Implementations are
// deterministic given the RunState except for the documented weighted
// fallback in costGreedyPolicy.
type Policy interface {
	// Select returns the chosen learner state, or nil when no active
	// learner is selectable.
	Select(rs *RunState) *LearnerState
}

// roundRobinPolicy cycles through active learners in declaration order,
// one trial each. Used when no budget is specified: one model per learner
// family, no cost accounting.
type roundRobinPolicy struct {
	cursor int
}

func newRoundRobinPolicy() *roundRobinPolicy {
	return &roundRobinPolicy{}
}

func (p *roundRobinPolicy) Select(rs *RunState) *LearnerState {
	active := rs.ActiveLearners()
	if len(active) == 0 {
		return nil
	}
	st := active[p.cursor%len(active)]
	p.cursor++
	return st
}

// costGreedyPolicy picks the active learner with the smallest estimated
// cost to improve. Untried learners take priority so every family gets at
// least one attempt, ties among them broken by a-priori family cost.
type costGreedyPolicy struct {
	costs *CostModel
	rng   *rand.Rand
}

func newCostGreedyPolicy(costs *CostModel, seed uint64) *costGreedyPolicy {
	return &costGreedyPolicy{
		costs: costs,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *costGreedyPolicy) Select(rs *RunState) *LearnerState {
	active := rs.ActiveLearners()
	if len(active) == 0 {
		return nil
	}

	// Untried-first: cheapest family cost among never-tried learners.
	var untried []*LearnerState
	for _, st := range active {
		if st.TotalTrials == 0 {
			untried = append(untried, st)
		}
	}
	if len(untried) > 0 {
		sort.SliceStable(untried, func(i, j int) bool {
			return untried[i].Learner.CostRelativeToReference() <
				untried[j].Learner.CostRelativeToReference()
		})
		return untried[0]
	}

	costs := make([]float64, len(active))
	minCost := math.Inf(1)
	for i, st := range active {
		costs[i] = p.costs.SelectionCost(st, rs.BestLossGlobal)
		if costs[i] < minCost {
			minCost = costs[i]
		}
	}

	// When several costs are effectively equal there is no clear minimum;
	// sample among the tied set with probability proportional to 1/cost so
	// none of them starves. Best effort, not a fairness guarantee.
	var tied []int
	for i, c := range costs {
		if c <= minCost*(1+costTieEpsilon) || c-minCost <= costTieEpsilon {
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return active[tied[0]]
	}
	return active[tied[p.weightedPick(costs, tied)]]
}

// weightedPick samples an index of tied with probability proportional to
// the inverse cost.
func (p *costGreedyPolicy) weightedPick(costs []float64, tied []int) int {
	weights := make([]float64, len(tied))
	total := 0.0
	for i, idx := range tied {
		w := 1.0
		if costs[idx] > 0 {
			w = 1.0 / costs[idx]
		}
		weights[i] = w
		total += w
	}
	r := p.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(tied) - 1
}
