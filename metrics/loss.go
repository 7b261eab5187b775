package metrics

import (
	"strings"

	"github.com/automl-go/autotune/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LossFunc computes a validation loss from predictions and ground truth.
// Lower is always better; score-like metrics are negated before being
// exposed as losses so the search scheduler only ever minimizes.
type LossFunc func(yPred, yTrue *mat.VecDense) (float64, error)

// lossRegistry maps metric names to loss functions. Built once; Lookup only reads.
var lossRegistry = map[string]LossFunc{
	"mse": func(yPred, yTrue *mat.VecDense) (float64, error) {
		return MSE(yTrue, yPred)
	},
	"rmse": func(yPred, yTrue *mat.VecDense) (float64, error) {
		return RMSE(yTrue, yPred)
	},
	"mae": func(yPred, yTrue *mat.VecDense) (float64, error) {
		return MAE(yTrue, yPred)
	},
	// r2 is a score (higher is better); expose 1-R² so 0 is perfect.
	"r2": func(yPred, yTrue *mat.VecDense) (float64, error) {
		r2, err := R2Score(yTrue, yPred)
		if err != nil {
			return 0, err
		}
		return 1 - r2, nil
	},
	"logloss": func(yPred, yTrue *mat.VecDense) (float64, error) {
		return LogLoss(yTrue, yPred)
	},
	"error_rate": func(yPred, yTrue *mat.VecDense) (float64, error) {
		return ErrorRate(yTrue, yPred)
	},
}

// Lookup returns the loss function registered under name.
func Lookup(name string) (LossFunc, error) {
	fn, ok := lossRegistry[strings.ToLower(name)]
	if !ok {
		return nil, errors.NewValidationError("metric", "unknown metric name", name)
	}
	return fn, nil
}

// Names returns the registered metric names.
func Names() []string {
	names := make([]string, 0, len(lossRegistry))
	for name := range lossRegistry {
		names = append(names, name)
	}
	return names
}

// ColumnVec extracts the first column of an n×1 matrix as a vector.
// Learner Predict implementations return matrices; loss functions want vectors.
func ColumnVec(m mat.Matrix) (*mat.VecDense, error) {
	r, c := m.Dims()
	if r == 0 {
		return nil, errors.NewValueError("ColumnVec", "empty matrix")
	}
	if c != 1 {
		return nil, errors.NewValueError("ColumnVec", "must be a column vector (n×1 matrix)")
	}

	v := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		v.SetVec(i, m.At(i, 0))
	}
	return v, nil
}
