// Package preprocessing provides feature scaling used by distance-based
// learners before training.
package preprocessing

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/core/model"
	"github.com/automl-go/autotune/pkg/errors"
)

// StandardScaler はデータを平均0、標準偏差1に変換する標準化スケーラー
// 距離ベースの学習器（kNNなど）の前処理として使用する
type StandardScaler struct {
	model.BaseEstimator

	// Mean は各特徴量の平均値
	Mean []float64

	// Scale は各特徴量の標準偏差（ゼロ分散の特徴量は1に置き換える）
	Scale []float64

	// NFeatures は特徴量の数
	NFeatures int
}

// NewStandardScaler は新しいStandardScalerを作成する
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// Fit は訓練データから平均と標準偏差を計算する
func (s *StandardScaler) Fit(X mat.Matrix) error {
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("StandardScaler.Fit", "empty data", errors.ErrEmptyData)
	}

	s.NFeatures = cols
	s.Mean = make([]float64, cols)
	s.Scale = make([]float64, cols)

	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += X.At(i, j)
		}
		s.Mean[j] = sum / float64(rows)
	}

	for j := 0; j < cols; j++ {
		ss := 0.0
		for i := 0; i < rows; i++ {
			d := X.At(i, j) - s.Mean[j]
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(rows))
		if sd == 0 {
			// ゼロ分散の特徴量はゼロ除算を避けるためスケール1とする
			sd = 1
		}
		s.Scale[j] = sd
	}

	s.SetFitted()
	return nil
}

// Transform は学習済みの統計量でXを標準化する
func (s *StandardScaler) Transform(X mat.Matrix) (*mat.Dense, error) {
	if !s.IsFitted() {
		return nil, errors.NewNotFittedError("StandardScaler", "Transform")
	}
	rows, cols := X.Dims()
	if cols != s.NFeatures {
		return nil, errors.NewDimensionError("StandardScaler.Transform", s.NFeatures, cols, 1)
	}

	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, (X.At(i, j)-s.Mean[j])/s.Scale[j])
		}
	}
	return out, nil
}

// FitTransform はFitとTransformを続けて実行する
func (s *StandardScaler) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}
