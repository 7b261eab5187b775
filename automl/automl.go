package automl

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/core/model"
	"github.com/automl-go/autotune/metrics"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// AutoML is the user-facing estimator: Fit runs the whole search
// (scheduling, trials, retrain, ensembling) and the fitted value predicts
// with the winning model.
//
//	tuner, err := automl.New(
//	    automl.WithLearnerNames("ridge", "knn", "gbstump"),
//	    automl.WithBudget(60),
//	    automl.WithMetric("rmse"),
//	)
//	if err != nil { ... }
//	if err := tuner.Fit(X, y); err != nil { ... }
//	pred, err := tuner.Predict(XTest)
type AutoML struct {
	model.BaseEstimator

	settings *Settings
	report   *RunState
	final    Model
	lossFn   metrics.LossFunc

	// ensembleErr records a recovered ensembling failure; the single best
	// model is still served.
	ensembleErr error
}

// New builds an AutoML estimator from options. See Settings for defaults.
func New(opts ...Option) (*AutoML, error) {
	settings, err := NewSettings(opts...)
	if err != nil {
		return nil, err
	}
	lossFn, err := metrics.Lookup(settings.Metric)
	if err != nil {
		return nil, err
	}
	return &AutoML{settings: settings, lossFn: lossFn}, nil
}

// Fit runs the search on X, y. It is FitContext with a background context.
func (a *AutoML) Fit(X mat.Matrix, y *mat.VecDense) error {
	return a.FitContext(context.Background(), X, y)
}

// FitContext runs the search until the budget is spent, every learner is
// exhausted, or ctx is cancelled. A recovered ensembling failure does not
// fail the fit; it is reported through EnsembleErr.
func (a *AutoML) FitContext(ctx context.Context, X mat.Matrix, y *mat.VecDense) error {
	sched, err := newScheduler(a.settings, X, y)
	if err != nil {
		return err
	}

	report, err := sched.Run(ctx)
	a.report = report
	if err != nil {
		return err
	}

	final, err := sched.finalize()
	if err != nil {
		var ensErr *errors.EnsembleError
		if final != nil && errors.As(err, &ensErr) {
			a.ensembleErr = err
		} else {
			return err
		}
	}

	a.final = final
	a.SetFitted()
	return nil
}

// Predict returns the winning model's predictions as an n×1 matrix.
func (a *AutoML) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !a.IsFitted() || a.final == nil {
		return nil, errors.NewNotFittedError("AutoML", "Predict")
	}
	return a.final.Predict(X)
}

// Score evaluates the fitted model on X, y with the configured metric.
// Lower is better, matching the loss the search minimized.
func (a *AutoML) Score(X mat.Matrix, y *mat.VecDense) (float64, error) {
	pred, err := a.Predict(X)
	if err != nil {
		return 0, err
	}
	predVec, err := metrics.ColumnVec(pred)
	if err != nil {
		return 0, err
	}
	return a.lossFn(predVec, y)
}

// Report returns the run's final state: per-learner records, history and
// the global best. Nil before Fit.
func (a *AutoML) Report() *RunState {
	return a.report
}

// BestLearner names the winning learner family; empty before a successful Fit.
func (a *AutoML) BestLearner() string {
	if a.report == nil {
		return ""
	}
	return a.report.BestLearnerName
}

// BestConfig returns the winning configuration, or nil.
func (a *AutoML) BestConfig() searchspace.Config {
	if a.report == nil {
		return nil
	}
	best := a.report.BestState()
	if best == nil {
		return nil
	}
	return best.BestConfig.Clone()
}

// BestLoss returns the lowest validation loss found.
func (a *AutoML) BestLoss() float64 {
	if a.report == nil {
		return 0
	}
	return a.report.BestLossGlobal
}

// EnsembleErr returns the recovered ensembling failure, if any. Fit
// succeeds with the single best model when stacking fails.
func (a *AutoML) EnsembleErr() error {
	return a.ensembleErr
}

// Release frees every retained model of the run. The estimator is
// unusable afterwards.
func (a *AutoML) Release() {
	if a.report == nil {
		return
	}
	for _, name := range a.report.LearnerNames() {
		st := a.report.State(name)
		if st.BestModel != nil && st.BestModel != a.final {
			st.BestModel.Release()
			st.Released++
			st.BestModel = nil
		}
	}
	if a.final != nil {
		a.final.Release()
		a.final = nil
	}
	a.Reset()
}
