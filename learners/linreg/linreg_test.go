package linreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/searchspace"
)

// linearData builds y = 2*x0 - 3*x1 + 5.
func linearData(rows int) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(rows, 2, nil)
	y := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		x0 := float64(i) / 10
		x1 := float64(i%7) / 3
		X.Set(i, 0, x0)
		X.Set(i, 1, x1)
		y.SetVec(i, 2*x0-3*x1+5)
	}
	return X, y
}

func TestRidgeRecoversLinearRelation(t *testing.T) {
	X, y := linearData(50)
	r := NewRidge(1e-8)
	require.NoError(t, r.Fit(X, y))

	assert.InDelta(t, 2.0, r.Weights.AtVec(0), 1e-4)
	assert.InDelta(t, -3.0, r.Weights.AtVec(1), 1e-4)
	assert.InDelta(t, 5.0, r.Intercept, 1e-4)

	pred, err := r.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.InDelta(t, y.AtVec(i), pred.At(i, 0), 1e-3)
	}
}

func TestRidgeShrinksWeights(t *testing.T) {
	X, y := linearData(50)

	loose := NewRidge(1e-8)
	require.NoError(t, loose.Fit(X, y))
	tight := NewRidge(1e6)
	require.NoError(t, tight.Fit(X, y))

	assert.Less(t, mat.Norm(tight.Weights, 2), mat.Norm(loose.Weights, 2),
		"stronger regularization must shrink the weights")
}

func TestRidgePredictBeforeFit(t *testing.T) {
	r := NewRidge(1.0)
	X, _ := linearData(5)
	_, err := r.Predict(X)
	assert.Error(t, err)
}

func TestRidgeDimensionMismatch(t *testing.T) {
	X, y := linearData(50)
	r := NewRidge(1.0)
	require.NoError(t, r.Fit(X, y))

	_, err := r.Predict(mat.NewDense(3, 5, nil))
	assert.Error(t, err)
}

func TestLearnerContract(t *testing.T) {
	l := New()
	assert.Equal(t, "ridge", l.Name())
	assert.Equal(t, 1.0, l.CostRelativeToReference())
	require.NoError(t, l.SearchSpace().Validate())
	require.NotEmpty(t, l.InitConfigs())
	require.NoError(t, l.SearchSpace().Check(l.InitConfigs()[0]))

	X, y := linearData(30)
	model, seconds, err := l.Fit(X, y, searchspace.Config{"alpha": 0.1}, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seconds, 0.0)

	pred, err := model.Predict(X)
	require.NoError(t, err)
	rows, cols := pred.Dims()
	assert.Equal(t, 30, rows)
	assert.Equal(t, 1, cols)

	model.Release()
	_, err = model.Predict(X)
	assert.Error(t, err, "a released model must not predict")
}
