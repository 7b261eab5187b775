// Package knn provides the k-nearest-neighbors learner family. Features
// are standardized before distance computation, so no single dimension
// dominates the metric.
package knn

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/automl"
	"github.com/automl-go/autotune/core/model"
	"github.com/automl-go/autotune/core/parallel"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/preprocessing"
	"github.com/automl-go/autotune/searchspace"
)

// Regressor predicts the weighted mean target of the k nearest training
// rows. It retains the (scaled) training set, so its footprint grows with
// the sample size; Release drops the retained data.
type Regressor struct {
	model.BaseEstimator

	K        int
	Weighted bool // inverse-distance weighting instead of uniform

	scaler *preprocessing.StandardScaler
	X      *mat.Dense
	y      *mat.VecDense
}

// NewRegressor creates an unfitted k-NN regressor.
func NewRegressor(k int, weighted bool) *Regressor {
	return &Regressor{K: k, Weighted: weighted}
}

// Fit standardizes and retains the training data.
func (r *Regressor) Fit(X mat.Matrix, y *mat.VecDense) error {
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("knn.Fit", "empty data", errors.ErrEmptyData)
	}
	if y.Len() != rows {
		return errors.NewDimensionError("knn.Fit", rows, y.Len(), 0)
	}
	if r.K < 1 {
		return errors.NewValidationError("n_neighbors", "must be at least 1", r.K)
	}

	r.scaler = preprocessing.NewStandardScaler()
	scaled, err := r.scaler.FitTransform(X)
	if err != nil {
		return err
	}

	r.X = scaled
	r.y = mat.VecDenseCopyOf(y)
	r.SetFitted()
	return nil
}

// Predict returns the neighborhood average for each query row.
func (r *Regressor) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !r.IsFitted() {
		return nil, errors.NewNotFittedError("knn.Regressor", "Predict")
	}
	scaled, err := r.scaler.Transform(X)
	if err != nil {
		return nil, err
	}

	rows, _ := scaled.Dims()
	trainRows, cols := r.X.Dims()
	k := r.K
	if k > trainRows {
		k = trainRows
	}

	out := mat.NewDense(rows, 1, nil)
	const parallelThreshold = 256
	parallel.ParallelizeWithThreshold(rows, parallelThreshold, func(start, end int) {
		dists := make([]neighbor, trainRows)
		for i := start; i < end; i++ {
			for t := 0; t < trainRows; t++ {
				d := 0.0
				for j := 0; j < cols; j++ {
					diff := scaled.At(i, j) - r.X.At(t, j)
					d += diff * diff
				}
				dists[t] = neighbor{dist: d, idx: t}
			}
			sort.Slice(dists, func(a, b int) bool { return dists[a].dist < dists[b].dist })
			out.Set(i, 0, r.aggregate(dists[:k]))
		}
	})
	return out, nil
}

type neighbor struct {
	dist float64
	idx  int
}

func (r *Regressor) aggregate(nearest []neighbor) float64 {
	if !r.Weighted {
		sum := 0.0
		for _, n := range nearest {
			sum += r.y.AtVec(n.idx)
		}
		return sum / float64(len(nearest))
	}

	const eps = 1e-12
	num, den := 0.0, 0.0
	for _, n := range nearest {
		w := 1.0 / (n.dist + eps)
		num += w * r.y.AtVec(n.idx)
		den += w
	}
	return num / den
}

// Release drops the retained training data.
func (r *Regressor) Release() {
	r.X = nil
	r.y = nil
	r.scaler = nil
	r.Reset()
}

// Learner adapts Regressor to the scheduler's trainer contract.
type Learner struct{}

// New returns the k-NN learner family.
func New() *Learner { return &Learner{} }

// Name implements automl.Learner.
func (l *Learner) Name() string { return "knn" }

// SearchSpace declares the neighborhood size and the weighting scheme.
func (l *Learner) SearchSpace() searchspace.Space {
	return searchspace.Space{
		"n_neighbors": searchspace.IntRange(1, 50).WithLowCost(5).WithInit(5),
		"weights":     searchspace.Choice("uniform", "distance").WithLowCost("uniform"),
	}
}

// InitConfigs implements automl.Learner.
func (l *Learner) InitConfigs() []searchspace.Config {
	return []searchspace.Config{{"n_neighbors": 5, "weights": "uniform"}}
}

// Fit implements automl.Learner.
func (l *Learner) Fit(X mat.Matrix, y *mat.VecDense, cfg searchspace.Config, timeBudget float64) (automl.Model, float64, error) {
	start := time.Now()
	reg := NewRegressor(cfg.Int("n_neighbors", 5), cfg.String("weights", "uniform") == "distance")
	if err := reg.Fit(X, y); err != nil {
		return nil, time.Since(start).Seconds(), err
	}
	return reg, time.Since(start).Seconds(), nil
}

// Size is dominated by the retained training matrix, which the
// configuration does not change; a conservative flat estimate is used.
func (l *Learner) Size(cfg searchspace.Config) int64 {
	return 1 << 20
}

// CostRelativeToReference implements automl.Learner. Prediction scans the
// whole training set, several times the cost of the linear reference.
func (l *Learner) CostRelativeToReference() float64 { return 4.0 }

func init() {
	automl.Register("knn", func() automl.Learner { return New() })
}
