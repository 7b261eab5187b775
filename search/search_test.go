package search

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automl-go/autotune/searchspace"
)

func quadraticSpace() searchspace.Space {
	return searchspace.Space{
		"x": searchspace.Uniform(-5, 5).WithLowCost(-5.0),
		"y": searchspace.Uniform(-5, 5).WithLowCost(-5.0),
	}
}

// quadraticLoss has its minimum at (1, 2).
func quadraticLoss(cfg searchspace.Config) float64 {
	dx := cfg.Float("x", 0) - 1
	dy := cfg.Float("y", 0) - 2
	return dx*dx + dy*dy
}

func TestLocalSearchProposalsStayInSpace(t *testing.T) {
	space := quadraticSpace()
	ls := NewLocalSearch(space, 42)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("t-%d", i)
		cfg, err := ls.Ask(id)
		require.NoError(t, err)
		require.NoError(t, space.Check(cfg))
		ls.Tell(id, Observation{Config: cfg, Loss: quadraticLoss(cfg), Cost: 0.01})
	}
}

func TestLocalSearchImproves(t *testing.T) {
	space := quadraticSpace()
	ls := NewLocalSearch(space, 7)

	var firstLoss float64
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("t-%d", i)
		cfg, err := ls.Ask(id)
		if err != nil {
			break // converged early is fine
		}
		loss := quadraticLoss(cfg)
		if i == 0 {
			firstLoss = loss
		}
		ls.Tell(id, Observation{Config: cfg, Loss: loss, Cost: 0.01})
	}

	_, best := ls.Best()
	assert.Less(t, best, firstLoss, "local search should beat its starting point")
}

func TestLocalSearchServesWarmStartsFirst(t *testing.T) {
	space := quadraticSpace()
	warm := searchspace.Config{"x": 1.0, "y": 2.0}
	ls := NewLocalSearch(space, 3, warm)

	cfg, err := ls.Ask("t-0")
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.Float("x", 0))
	assert.Equal(t, 2.0, cfg.Float("y", 0))
}

func TestLocalSearchConvergesAndFinishes(t *testing.T) {
	space := quadraticSpace()
	ls := NewLocalSearch(space, 11)

	// Constant loss: no proposal ever improves after the first, so the step
	// keeps shrinking until restarts run out.
	for i := 0; i < 10000 && !ls.Converged(); i++ {
		id := fmt.Sprintf("t-%d", i)
		cfg, err := ls.Ask(id)
		if err != nil {
			break
		}
		ls.Tell(id, Observation{Config: cfg, Loss: 1.0, Cost: 0.01})
	}

	require.True(t, ls.Converged(), "constant loss must eventually converge the walk")
	_, err := ls.Ask("after")
	assert.ErrorIs(t, err, ErrFinished)
}

func TestLocalSearchIgnoresNaN(t *testing.T) {
	space := quadraticSpace()
	ls := NewLocalSearch(space, 5)

	cfg, err := ls.Ask("t-0")
	require.NoError(t, err)
	ls.Tell("t-0", Observation{Config: cfg, Loss: math.NaN(), Cost: 0.01})

	_, best := ls.Best()
	assert.True(t, math.IsInf(best, 1), "NaN must not become the incumbent")
}

func TestRandomSearchFinishesAtMaxTrials(t *testing.T) {
	space := quadraticSpace()
	rs := NewRandomSearch(space, 1, 3)

	for i := 0; i < 3; i++ {
		cfg, err := rs.Ask(fmt.Sprintf("t-%d", i))
		require.NoError(t, err)
		rs.Tell(fmt.Sprintf("t-%d", i), Observation{Config: cfg, Loss: float64(i), Cost: 0.01})
	}

	_, err := rs.Ask("t-3")
	assert.ErrorIs(t, err, ErrFinished)
	assert.True(t, rs.Converged())

	best, loss := rs.Best()
	assert.NotNil(t, best)
	assert.Equal(t, 0.0, loss)
}

func TestJointSearchRoutesTells(t *testing.T) {
	spaces := map[string]searchspace.Space{
		"ridge": {"alpha": searchspace.LogUniform(1e-3, 10)},
		"knn":   {"k": searchspace.IntRange(1, 20)},
	}
	js, err := NewJointSearch(spaces, 9)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("t-%d", i)
		prop, err := js.Ask(id)
		require.NoError(t, err)
		require.NoError(t, spaces[prop.Learner].Check(prop.Config))
		seen[prop.Learner] = true
		js.Tell(id, Observation{Config: prop.Config, Loss: 1.0, Cost: 0.01})
	}

	assert.True(t, seen["ridge"] && seen["knn"], "joint sampler should cover both learners, saw %v", seen)
}

func TestJointSearchFinishesWhenAllConverge(t *testing.T) {
	spaces := map[string]searchspace.Space{
		"ridge": {"alpha": searchspace.LogUniform(1e-3, 10)},
	}
	js, err := NewJointSearch(spaces, 2)
	require.NoError(t, err)

	for i := 0; i < 10000 && !js.Converged(); i++ {
		id := fmt.Sprintf("t-%d", i)
		prop, err := js.Ask(id)
		if err != nil {
			break
		}
		js.Tell(id, Observation{Config: prop.Config, Loss: 1.0, Cost: 0.01})
	}

	require.True(t, js.Converged())
	_, err = js.Ask("after")
	assert.ErrorIs(t, err, ErrFinished)
}

func TestJointSearchDropIgnoresLaterTell(t *testing.T) {
	spaces := map[string]searchspace.Space{
		"ridge": {"alpha": searchspace.LogUniform(1e-3, 10)},
	}
	js, err := NewJointSearch(spaces, 3)
	require.NoError(t, err)

	prop, err := js.Ask("t1")
	require.NoError(t, err)

	js.Drop("t1")
	js.Tell("t1", Observation{Config: prop.Config, Loss: 0.1})

	// A dropped proposal was never evaluated; a stray Tell for it must not
	// count as an observation.
	_, best := js.locals[prop.Learner].Best()
	assert.True(t, math.IsInf(best, 1))
}

func TestJointSearchRetireStopsProposals(t *testing.T) {
	spaces := map[string]searchspace.Space{
		"ridge": {"alpha": searchspace.LogUniform(1e-3, 10)},
		"knn":   {"k": searchspace.IntRange(1, 20)},
	}
	js, err := NewJointSearch(spaces, 5)
	require.NoError(t, err)

	js.Retire("ridge")
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t-%d", i)
		prop, err := js.Ask(id)
		require.NoError(t, err)
		assert.Equal(t, "knn", prop.Learner)
		js.Tell(id, Observation{Config: prop.Config, Loss: 1.0, Cost: 0.01})
	}

	js.Retire("knn")
	_, err = js.Ask("after")
	assert.ErrorIs(t, err, ErrFinished)
}
