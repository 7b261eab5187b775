package automl

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinCyclesInDeclarationOrder(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}}
	b := &stubLearner{name: "b", cost: 2, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{a, b}, UnlimitedBudget)
	p := newRoundRobinPolicy()

	var picks []string
	for i := 0; i < 4; i++ {
		picks = append(picks, p.Select(rs).Name)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, picks)
}

func TestRoundRobinSkipsDeactivated(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}}
	b := &stubLearner{name: "b", cost: 2, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{a, b}, UnlimitedBudget)
	rs.Deactivate("a")
	p := newRoundRobinPolicy()

	assert.Equal(t, "b", p.Select(rs).Name)
	assert.Equal(t, "b", p.Select(rs).Name)
}

func TestCostGreedyPrefersUntriedLearners(t *testing.T) {
	tried := &stubLearner{name: "tried", cost: 1, sec: 1, losses: []float64{1}}
	fresh := &stubLearner{name: "fresh", cost: 50, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{tried, fresh}, 100)
	var released atomic.Int32
	rs.Fold(result("tried", 0.5, &released), 1)

	p := newCostGreedyPolicy(NewCostModel(1000), 1)
	picked := p.Select(rs)
	require.NotNil(t, picked)
	assert.Equal(t, "fresh", picked.Name,
		"an untried learner must be picked before cost ranking, whatever its family cost")
}

func TestCostGreedyUntriedTieBreaksByFamilyCost(t *testing.T) {
	cheap := &stubLearner{name: "cheap", cost: 1, sec: 1, losses: []float64{1}}
	costly := &stubLearner{name: "costly", cost: 10, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{costly, cheap}, 100)

	p := newCostGreedyPolicy(NewCostModel(1000), 1)
	assert.Equal(t, "cheap", p.Select(rs).Name)
}

func TestCostGreedyPicksSmallestEstimatedCost(t *testing.T) {
	fast := &stubLearner{name: "fast", cost: 1, sec: 1, losses: []float64{1}}
	slow := &stubLearner{name: "slow", cost: 1, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{fast, slow}, 100)
	var released atomic.Int32

	// Both tried; fast improved recently and cheaply, slow stagnated.
	rs.Fold(result("fast", 0.5, &released), 1)
	st := rs.State("slow")
	rs.Fold(result("slow", 0.5, &released), 1)
	st.TotalTimeUsed += 20 // long stretch without improvement

	p := newCostGreedyPolicy(NewCostModel(1000), 1)
	assert.Equal(t, "fast", p.Select(rs).Name)
}

func TestCostGreedyReturnsNilWhenAllDeactivated(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{a}, 100)
	rs.Deactivate("a")

	p := newCostGreedyPolicy(NewCostModel(1000), 1)
	assert.Nil(t, p.Select(rs))
}

func TestCostGreedyTieFallbackCoversAllTied(t *testing.T) {
	// Identical histories give identical costs; the weighted fallback must
	// eventually pick both instead of starving one.
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}}
	b := &stubLearner{name: "b", cost: 1, sec: 1, losses: []float64{1}}
	rs := newRunState([]Learner{a, b}, 100)
	var released atomic.Int32
	rs.Fold(result("a", 0.5, &released), 1)
	rs.Fold(result("b", 0.5, &released), 1)

	p := newCostGreedyPolicy(NewCostModel(1000), 7)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[p.Select(rs).Name] = true
	}
	assert.True(t, seen["a"] && seen["b"], "tied learners should both be sampled, saw %v", seen)
}
