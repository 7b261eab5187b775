package automl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automl-go/autotune/ensemble"
	"github.com/automl-go/autotune/pkg/errors"
)

func TestRetrainBestRunsOncePerTriple(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.05, 20)}
	X, y := zeroTarget(64, 2)

	settings, err := NewSettings(
		WithLearners(learner),
		WithBudget(2),
		WithMetric("mae"),
		WithMinSampleSize(8),
		WithRetrainFull(true),
	)
	require.NoError(t, err)
	sched, err := newScheduler(settings, X, y)
	require.NoError(t, err)
	_, err = sched.Run(context.Background())
	require.NoError(t, err)

	best := sched.rs.BestState()
	require.NotNil(t, best)
	require.Less(t, best.BestSampleSize, 64, "the best should have been found on a subsample")

	fitsBefore := learner.fitCount()
	sched.rs.TotalBudget += 100 // room for the retrain
	sched.retrainBest(best)
	assert.Equal(t, fitsBefore+1, learner.fitCount())
	assert.Equal(t, 64, best.BestSampleSize)

	// Force the pre-conditions back and retry: the retrained-config set
	// must make the second attempt a no-op.
	best.BestSampleSize = 8
	sched.retrainBest(best)
	assert.Equal(t, fitsBefore+1, learner.fitCount(), "the same triple must not retrain twice")
}

func TestRetrainSkippedWhenBudgetTooTight(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.05, 20)}
	X, y := zeroTarget(64, 2)

	settings, err := NewSettings(
		WithLearners(learner),
		WithBudget(4),
		WithMetric("mae"),
		WithMinSampleSize(8),
		WithRetrainFull(true),
	)
	require.NoError(t, err)
	sched, err := newScheduler(settings, X, y)
	require.NoError(t, err)
	_, err = sched.Run(context.Background())
	require.NoError(t, err)

	best := sched.rs.BestState()
	require.NotNil(t, best)
	best.CostPerSample = 10 // a full retrain would cost 640 units

	fitsBefore := learner.fitCount()
	sched.retrainBest(best)
	assert.Equal(t, fitsBefore, learner.fitCount(), "an unaffordable retrain must be skipped")
}

func TestEnsembleMemberSelection(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{0.1}}
	b := &stubLearner{name: "b", cost: 1, sec: 1, losses: []float64{0.3}}
	c := &stubLearner{name: "c", cost: 1, sec: 1, losses: []float64{0.5}}
	X, y := zeroTarget(40, 2)

	settings, err := NewSettings(
		WithLearners(a, b, c),
		WithBudget(3),
		WithMetric("mae"),
	)
	require.NoError(t, err)
	sched, err := newScheduler(settings, X, y)
	require.NoError(t, err)
	_, err = sched.Run(context.Background())
	require.NoError(t, err)

	members := sched.ensembleMembers()
	var names []string
	for _, st := range members {
		names = append(names, st.Name)
	}
	// Top two always; c's 0.5 is outside 4x the global best of 0.1.
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestFitWithEnsembleStacksTopLearners(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: decreasing(0.8, 0.02, 50)}
	b := &stubLearner{name: "b", cost: 2, sec: 1, losses: decreasing(0.9, 0.02, 50)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(a, b),
		WithBudget(10),
		WithMetric("mae"),
		WithEnsemble(true),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))
	require.NoError(t, tuner.EnsembleErr())

	stack, ok := tuner.Report().FinalModel.(*ensemble.StackedRegressor)
	require.True(t, ok, "the final model should be the stacked ensemble")
	assert.ElementsMatch(t, []string{"a", "b"}, stack.MemberNames())

	pred, err := tuner.Predict(X)
	require.NoError(t, err)
	rows, _ := pred.Dims()
	assert.Equal(t, 40, rows)
}

func TestEnsembleFailureStillReturnsBestModel(t *testing.T) {
	// Both learners succeed during the search window but fail on the
	// ensemble's refits, so stacking cannot be built.
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: decreasing(0.8, 0.05, 10), failAfter: 5}
	b := &stubLearner{name: "b", cost: 2, sec: 1, losses: decreasing(0.9, 0.05, 10), failAfter: 5}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(a, b),
		WithBudget(8),
		WithMetric("mae"),
		WithEnsemble(true),
		WithSeed(2),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y), "a recovered ensembling failure must not fail the fit")

	var ensErr *errors.EnsembleError
	require.Error(t, tuner.EnsembleErr())
	assert.True(t, errors.As(tuner.EnsembleErr(), &ensErr))

	pred, err := tuner.Predict(X)
	require.NoError(t, err)
	rows, _ := pred.Dims()
	assert.Equal(t, 40, rows)
}
