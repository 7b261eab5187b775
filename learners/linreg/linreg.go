// Package linreg provides the ridge-regression learner family, the cheap
// reference learner every other family's cost is measured against.
package linreg

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/automl"
	"github.com/automl-go/autotune/core/model"
	"github.com/automl-go/autotune/core/parallel"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// Ridge はL2正則化付き線形回帰モデル
// 正規方程式 (XᵀX + αI)w = Xᵀy を解いて学習する
type Ridge struct {
	model.BaseEstimator
	Alpha     float64       // 正則化の強さ
	Weights   *mat.VecDense // 重み（係数）
	Intercept float64       // 切片
	NFeatures int           // 特徴量の数
}

// NewRidge は指定した正則化強度のRidgeモデルを作成する
func NewRidge(alpha float64) *Ridge {
	return &Ridge{Alpha: alpha}
}

// Fit はモデルを訓練データで学習させる
// 切片項は正則化の対象外
func (r *Ridge) Fit(X mat.Matrix, y *mat.VecDense) error {
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("Ridge.Fit", "empty data", errors.ErrEmptyData)
	}
	if y.Len() != rows {
		return errors.NewDimensionError("Ridge.Fit", rows, y.Len(), 0)
	}

	r.NFeatures = cols

	// 切片項のために X に 1 の列を追加
	const parallelThreshold = 1000
	Xb := mat.NewDense(rows, cols+1, nil)
	parallel.ParallelizeWithThreshold(rows, parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			Xb.Set(i, 0, 1.0)
			for j := 0; j < cols; j++ {
				Xb.Set(i, j+1, X.At(i, j))
			}
		}
	})

	var gram mat.Dense
	gram.Mul(Xb.T(), Xb)
	// 対角成分に α を加算（切片の列は除く）
	for j := 1; j <= cols; j++ {
		gram.Set(j, j, gram.At(j, j)+r.Alpha)
	}

	var xty mat.VecDense
	xty.MulVec(Xb.T(), y)

	w := mat.NewVecDense(cols+1, nil)
	if err := w.SolveVec(&gram, &xty); err != nil {
		return errors.NewModelError("Ridge.Fit", "singular matrix", errors.ErrSingularMatrix)
	}

	r.Intercept = w.AtVec(0)
	r.Weights = mat.NewVecDense(cols, nil)
	for j := 0; j < cols; j++ {
		r.Weights.SetVec(j, w.AtVec(j+1))
	}

	r.SetFitted()
	return nil
}

// Predict は入力データに対する予測を n×1 行列で返す
func (r *Ridge) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !r.IsFitted() {
		return nil, errors.NewNotFittedError("Ridge", "Predict")
	}
	rows, cols := X.Dims()
	if cols != r.NFeatures {
		return nil, errors.NewDimensionError("Ridge.Predict", r.NFeatures, cols, 1)
	}

	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		pred := r.Intercept
		for j := 0; j < cols; j++ {
			pred += X.At(i, j) * r.Weights.AtVec(j)
		}
		out.Set(i, 0, pred)
	}
	return out, nil
}

// Release は学習済みパラメータを解放する
func (r *Ridge) Release() {
	r.Weights = nil
	r.Reset()
}

// Learner adapts Ridge to the scheduler's trainer contract.
type Learner struct{}

// New returns the ridge learner family.
func New() *Learner { return &Learner{} }

// Name implements automl.Learner.
func (l *Learner) Name() string { return "ridge" }

// SearchSpace declares the regularization strength as the only dimension.
func (l *Learner) SearchSpace() searchspace.Space {
	return searchspace.Space{
		"alpha": searchspace.LogUniform(1e-6, 100).WithLowCost(1e-3).WithInit(1.0),
	}
}

// InitConfigs implements automl.Learner.
func (l *Learner) InitConfigs() []searchspace.Config {
	return []searchspace.Config{{"alpha": 1.0}}
}

// Fit implements automl.Learner.
func (l *Learner) Fit(X mat.Matrix, y *mat.VecDense, cfg searchspace.Config, timeBudget float64) (automl.Model, float64, error) {
	start := time.Now()
	ridge := NewRidge(cfg.Float("alpha", 1.0))
	if err := ridge.Fit(X, y); err != nil {
		return nil, time.Since(start).Seconds(), err
	}
	return ridge, time.Since(start).Seconds(), nil
}

// Size estimates the fitted model's footprint: one weight per feature plus
// the intercept. The configuration does not change it.
func (l *Learner) Size(cfg searchspace.Config) int64 {
	return 1 << 10
}

// CostRelativeToReference implements automl.Learner; ridge is the reference.
func (l *Learner) CostRelativeToReference() float64 { return 1.0 }

func init() {
	automl.Register("ridge", func() automl.Learner { return New() })
}
