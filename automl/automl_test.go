package automl

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// stubModel predicts a constant. Against an all-zero target and the MAE
// metric, its validation loss equals that constant exactly, which lets
// tests script loss sequences.
type stubModel struct {
	value    float64
	released *atomic.Int32
}

func (m *stubModel) Predict(X mat.Matrix) (mat.Matrix, error) {
	rows, _ := X.Dims()
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, 0, m.value)
	}
	return out, nil
}

func (m *stubModel) Release() {
	m.released.Add(1)
}

// stubLearner replays a scripted loss sequence, one entry per Fit call,
// repeating the last entry when the script runs out.
type stubLearner struct {
	name   string
	cost   float64
	sec    float64
	losses []float64
	size   int64
	fitErr error

	// failAfter > 0 makes Fit fail from that call index on.
	failAfter int

	mu       sync.Mutex
	fits     int
	produced int
	released atomic.Int32
}

func (l *stubLearner) Name() string { return l.name }

func (l *stubLearner) SearchSpace() searchspace.Space {
	return searchspace.Space{"alpha": searchspace.Uniform(0, 1)}
}

func (l *stubLearner) InitConfigs() []searchspace.Config { return nil }

func (l *stubLearner) Fit(X mat.Matrix, y *mat.VecDense, cfg searchspace.Config, timeBudget float64) (Model, float64, error) {
	l.mu.Lock()
	idx := l.fits
	l.fits++
	if l.fitErr != nil || (l.failAfter > 0 && idx >= l.failAfter) {
		l.mu.Unlock()
		if l.fitErr != nil {
			return nil, l.sec, l.fitErr
		}
		return nil, l.sec, assert.AnError
	}
	if idx >= len(l.losses) {
		idx = len(l.losses) - 1
	}
	loss := l.losses[idx]
	l.produced++
	l.mu.Unlock()
	return &stubModel{value: loss, released: &l.released}, l.sec, nil
}

func (l *stubLearner) Size(cfg searchspace.Config) int64 { return l.size }

func (l *stubLearner) CostRelativeToReference() float64 { return l.cost }

func (l *stubLearner) fitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fits
}

func (l *stubLearner) producedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.produced
}

// decreasing builds a strictly decreasing loss script.
func decreasing(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - float64(i)*step
	}
	return out
}

// zeroTarget builds a small dataset with an all-zero target.
func zeroTarget(rows, cols int) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			X.Set(i, j, float64(i*cols+j)/10)
		}
	}
	return X, mat.NewVecDense(rows, nil)
}

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"negative budget that is not unlimited", []Option{
			WithBudget(-5),
			WithLearners(&stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}}),
		}},
		{"zero learners", []Option{WithBudget(10)}},
		{"duplicate learner names", []Option{
			WithLearners(
				&stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}},
				&stubLearner{name: "a", cost: 2, sec: 1, losses: []float64{1}},
			),
		}},
		{"unknown metric", []Option{
			WithMetric("nope"),
			WithLearners(&stubLearner{name: "a", cost: 1, sec: 1, losses: []float64{1}}),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSettings(tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestFitFindsTheScriptedBest(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.05, 10)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(learner),
		WithBudget(10),
		WithMetric("mae"),
		WithSeed(5),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	assert.Equal(t, "ridge", tuner.BestLearner())
	assert.InDelta(t, 1.0-0.05*9, tuner.BestLoss(), 1e-9)

	pred, err := tuner.Predict(X)
	require.NoError(t, err)
	rows, cols := pred.Dims()
	assert.Equal(t, 40, rows)
	assert.Equal(t, 1, cols)
}

func TestPredictBeforeFitFails(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: []float64{1}}
	tuner, err := New(WithLearners(learner), WithMetric("mae"))
	require.NoError(t, err)

	X, _ := zeroTarget(10, 2)
	_, err = tuner.Predict(X)
	assert.Error(t, err)
}

func TestBestLossTraceIsMonotone(t *testing.T) {
	// A noisy script: the global best must still only move down.
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1,
		losses: []float64{1.0, 0.7, 0.9, 0.5, 0.8, 0.4, 0.6}}
	X, y := zeroTarget(40, 2)

	tuner, err := New(WithLearners(learner), WithBudget(7), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	history := tuner.Report().History
	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.LessOrEqual(t, history[i].BestLoss, history[i-1].BestLoss,
			"best-so-far regressed at step %d", i)
	}
}

func TestNoTrialStartsAfterBudgetExhausted(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.01, 100)}
	X, y := zeroTarget(40, 2)

	budget := 8.0
	tuner, err := New(WithLearners(learner), WithBudget(budget), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	for _, point := range tuner.Report().History {
		assert.Less(t, point.Elapsed-learner.sec, budget,
			"a trial was started with the budget already spent")
	}
}

func TestScenarioCheapLearnerDominatesSelection(t *testing.T) {
	// Equal-quality scripts, 10x cost difference: the cheap learner must
	// receive the bulk of a 20-unit budget.
	cheap := &stubLearner{name: "cheap", cost: 1, sec: 0.2, losses: decreasing(1.0, 0.005, 200)}
	costly := &stubLearner{name: "costly", cost: 10, sec: 2.0, losses: decreasing(1.0, 0.005, 200)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(cheap, costly),
		WithBudget(20),
		WithMetric("mae"),
		WithSeed(3),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	cheapTrials := tuner.Report().State("cheap").TotalTrials
	costlyTrials := tuner.Report().State("costly").TotalTrials
	require.Positive(t, costlyTrials, "untried-first must give the costly learner one attempt")
	assert.GreaterOrEqual(t, cheapTrials, 3*costlyTrials,
		"cheap:costly trial ratio too low: %d:%d", cheapTrials, costlyTrials)
}

func TestUnlimitedBudgetRunsOneTrialPerLearner(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.1, 5)}
	X, y := zeroTarget(40, 2)

	// No budget and no trial cap: one model per family, no optimization.
	tuner, err := New(WithLearners(learner), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	assert.Equal(t, 1, tuner.Report().TotalTrials())
	assert.Equal(t, "ridge", tuner.BestLearner())
}

func TestMaxIterAloneCapsTotalTrials(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.05, 10)}
	X, y := zeroTarget(40, 2)

	// An explicit trial cap is an iteration budget: the run takes the
	// budgeted path and stops at exactly MaxIter trials.
	tuner, err := New(WithLearners(learner), WithMaxIter(4), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	assert.Equal(t, 4, tuner.Report().TotalTrials())
	assert.Equal(t, 4, learner.fitCount())
}

func TestFailingLearnerIsDeactivatedNotFatal(t *testing.T) {
	bad := &stubLearner{name: "bad", cost: 1, sec: 1,
		fitErr: assert.AnError, losses: []float64{1}}
	good := &stubLearner{name: "good", cost: 2, sec: 1, losses: decreasing(1.0, 0.05, 20)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(bad, good),
		WithBudget(15),
		WithMetric("mae"),
		WithFailureCap(1),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	assert.Equal(t, "good", tuner.BestLearner())
	assert.False(t, tuner.Report().IsActive("bad"), "failing learner should be deactivated")
}

func TestMemoryThresholdRejectsWithoutTraining(t *testing.T) {
	huge := &stubLearner{name: "huge", cost: 1, sec: 1, size: 1 << 30, losses: []float64{0.5}}
	small := &stubLearner{name: "small", cost: 2, sec: 1, size: 1 << 10, losses: decreasing(1.0, 0.05, 20)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(
		WithLearners(huge, small),
		WithBudget(10),
		WithMetric("mae"),
		WithMemThreshold(1<<20),
	)
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	assert.Zero(t, huge.fitCount(), "oversized configurations must never reach the trainer")
	assert.Positive(t, tuner.Report().State("huge").TotalTrials,
		"rejections still count as failed trials so the proposer gets feedback")
	assert.Equal(t, "small", tuner.BestLearner())
}

func TestModelHandleAccounting(t *testing.T) {
	a := &stubLearner{name: "a", cost: 1, sec: 1, losses: decreasing(1.0, 0.03, 50)}
	b := &stubLearner{name: "b", cost: 2, sec: 1, losses: decreasing(1.2, 0.02, 50)}
	X, y := zeroTarget(40, 2)

	tuner, err := New(WithLearners(a, b), WithBudget(12), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	// Every produced handle is either released or retained as a best.
	retained := 0
	for _, name := range tuner.Report().LearnerNames() {
		if tuner.Report().State(name).BestModel != nil {
			retained++
		}
	}
	produced := a.producedCount() + b.producedCount()
	released := int(a.released.Load() + b.released.Load())
	assert.Equal(t, produced, released+retained,
		"produced=%d released=%d retained=%d", produced, released, retained)

	tuner.Release()
	released = int(a.released.Load() + b.released.Load())
	assert.Equal(t, produced, released, "Release must free every retained handle")
}

func TestProgressiveSamplingGrowsOnImprovement(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1, losses: decreasing(1.0, 0.05, 20)}
	X, y := zeroTarget(64, 2)

	settings, err := NewSettings(
		WithLearners(learner),
		WithBudget(6),
		WithMetric("mae"),
		WithMinSampleSize(8),
	)
	require.NoError(t, err)

	sched, err := newScheduler(settings, X, y)
	require.NoError(t, err)
	assert.Equal(t, 8, sched.nextSample["ridge"])

	_, err = sched.Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, sched.nextSample["ridge"], 8,
		"improving trials should earn larger samples")
}

func TestStagnationWarnsOnceThenEscalates(t *testing.T) {
	var warnings []error
	errors.SetWarningHandler(func(w error) { warnings = append(warnings, w) })
	defer errors.SetWarningHandler(nil)

	// One early improvement, then a long plateau: elapsed crosses 10x the
	// time-to-best at trial 11, and the next threshold (100x) is out of
	// reach, so exactly one warning fires.
	losses := append([]float64{0.5}, decreasing(1.0, 0, 40)...)
	learner := &stubLearner{name: "a", cost: 1, sec: 1, losses: losses}
	X, y := zeroTarget(40, 2)

	tuner, err := New(WithLearners(learner), WithBudget(30), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	require.Len(t, warnings, 1)
	var conv *errors.ConvergenceWarning
	assert.True(t, errors.As(warnings[0], &conv))
}

func TestNaNLossNeverBecomesBest(t *testing.T) {
	learner := &stubLearner{name: "ridge", cost: 1, sec: 1,
		losses: []float64{0.5, math.NaN(), math.NaN(), 0.4}}
	X, y := zeroTarget(40, 2)

	tuner, err := New(WithLearners(learner), WithBudget(4), WithMetric("mae"))
	require.NoError(t, err)
	require.NoError(t, tuner.Fit(X, y))

	st := tuner.Report().State("ridge")
	assert.Equal(t, 4, st.TotalTrials)
	assert.InDelta(t, 0.4, st.BestLoss, 1e-9)
}
