package automl

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automl-go/autotune/search"
	"github.com/automl-go/autotune/searchspace"
)

func newConcurrentScheduler(t *testing.T, learners ...Learner) *scheduler {
	t.Helper()
	X, y := zeroTarget(40, 2)
	settings, err := NewSettings(
		WithLearners(learners...),
		WithBudget(20),
		WithMetric("mae"),
		WithConcurrentTrials(3),
	)
	require.NoError(t, err)
	sched, err := newScheduler(settings, X, y)
	require.NoError(t, err)
	return sched
}

func TestFoldCompletedOrdersByCompletionTime(t *testing.T) {
	learner := &stubLearner{name: "m", cost: 1, sec: 1, losses: []float64{1}}
	sched := newConcurrentScheduler(t, learner)
	js, err := search.NewJointSearch(
		map[string]searchspace.Space{"m": learner.SearchSpace()}, 1)
	require.NoError(t, err)

	var released atomic.Int32
	mk := func(id string, loss float64) TrialResult {
		res := result("m", loss, &released)
		res.TrialID = id
		return res
	}

	// Submission order 1, 2, 3; completion order 3, 1, 2.
	base := time.Now()
	batch := []completedTrial{
		{res: mk("t1", 0.5), completedAt: base.Add(2 * time.Millisecond)},
		{res: mk("t2", 0.3), completedAt: base.Add(3 * time.Millisecond)},
		{res: mk("t3", 0.4), completedAt: base.Add(1 * time.Millisecond)},
	}
	sched.foldCompleted(js, batch)

	var trace []float64
	for _, p := range sched.rs.History {
		trace = append(trace, p.BestLoss)
	}

	// Reference: fold the same results sequentially in completion order.
	ref := newRunState([]Learner{learner}, 20)
	for _, id := range []string{"t3", "t1", "t2"} {
		for _, c := range batch {
			if c.res.TrialID == id {
				ref.Fold(c.res, c.res.EvalSeconds)
			}
		}
	}
	var want []float64
	for _, p := range ref.History {
		want = append(want, p.BestLoss)
	}

	assert.Equal(t, want, trace,
		"the best-so-far trace must match a sequential fold in completion order")
	assert.Equal(t, []float64{0.4, 0.4, 0.3}, trace)
}

func TestFoldCompletedDeactivatesWhenTrialExceedsRemaining(t *testing.T) {
	learner := &stubLearner{name: "m", cost: 1, sec: 1, losses: []float64{1}}
	sched := newConcurrentScheduler(t, learner)
	js, err := search.NewJointSearch(
		map[string]searchspace.Space{"m": learner.SearchSpace()}, 1)
	require.NoError(t, err)

	var released atomic.Int32
	res := result("m", 0.5, &released)
	res.TrialID = "t1"
	res.EvalSeconds = 15

	sched.foldCompleted(js, []completedTrial{{res: res, completedAt: time.Now()}})

	// 15 of the 20 budget units are gone; another trial of this learner can
	// no longer fit, so it must leave the candidate set in concurrent mode
	// exactly as it would sequentially.
	assert.False(t, sched.rs.IsActive("m"))
	assert.True(t, js.LearnerConverged("m"))
}

func TestConcurrentRunReturnsAfterOnlyLearnerDeactivates(t *testing.T) {
	bad := &stubLearner{name: "bad", cost: 1, sec: 1, fitErr: assert.AnError}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(bad),
		WithBudget(1000),
		WithMetric("mae"),
		WithConcurrentTrials(2),
		WithFailureCap(1),
	)
	require.NoError(t, err)

	// The failure cap deactivates the only learner long before the budget
	// runs out; the dispatcher must still wind down instead of waiting on
	// trials that were never launched.
	done := make(chan error, 1)
	go func() { done <- tuner.Fit(X, y) }()

	select {
	case err := <-done:
		// No learner ever produced a model, so the run ends with an error,
		// but it must end.
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent search did not terminate after its only learner was deactivated")
	}
}

func TestConcurrentRunFindsBestAndRespectsBudget(t *testing.T) {
	learner := &stubLearner{name: "m", cost: 1, sec: 1, losses: decreasing(1.0, 0.02, 100)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(learner),
		WithBudget(10),
		WithMetric("mae"),
		WithConcurrentTrials(3),
		WithSeed(11),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	report := tuner.Report()
	assert.Equal(t, "m", report.BestLearnerName)
	assert.Positive(t, report.TotalTrials())
	// In-flight trials may finish past the line, but never more than the
	// concurrency window of them.
	assert.LessOrEqual(t, report.ElapsedBudget, 10.0+3*learner.sec)

	history := report.History
	for i := 1; i < len(history); i++ {
		assert.LessOrEqual(t, history[i].BestLoss, history[i-1].BestLoss)
	}
}

func TestConcurrentRunWithTwoLearners(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 0.5, losses: decreasing(1.0, 0.02, 100)}
	b := &stubLearner{name: "b", cost: 2, sec: 0.5, losses: decreasing(1.1, 0.02, 100)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(a, b),
		WithBudget(12),
		WithMetric("mae"),
		WithConcurrentTrials(2),
		WithSeed(4),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	report := tuner.Report()
	assert.Positive(t, report.State("a").TotalTrials)
	assert.Positive(t, report.State("b").TotalTrials)

	produced := a.producedCount() + b.producedCount()
	retained := 0
	for _, name := range report.LearnerNames() {
		if report.State(name).BestModel != nil {
			retained++
		}
	}
	released := int(a.released.Load() + b.released.Load())
	assert.Equal(t, produced, released+retained)
}
