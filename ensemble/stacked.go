// Package ensemble combines the best models of several learner families
// into a stacked regressor: base-model predictions become meta-features
// for a ridge combiner.
package ensemble

import (
	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/pkg/errors"
)

// Model is the trained-model handle the ensemble trains and owns. It is
// satisfied by any scheduler model handle.
type Model interface {
	Predict(X mat.Matrix) (mat.Matrix, error)
	Release()
}

// FitFunc trains one base member on the given data.
type FitFunc func(X mat.Matrix, y *mat.VecDense) (Model, error)

// Member is one base learner of the stack.
type Member struct {
	Name string
	Fit  FitFunc
}

// DefaultAlpha is the ridge penalty of the meta-combiner. The base
// predictions are highly correlated, so a plain least-squares combiner
// would be ill-conditioned.
const DefaultAlpha = 1e-3

// StackedRegressor fits each member on the training data, then fits a
// ridge combiner on the members' predictions. With Passthrough the
// original features are appended to the meta-features.
type StackedRegressor struct {
	Members     []Member
	Passthrough bool
	Alpha       float64

	models  []Model
	weights *mat.VecDense
	nMeta   int
	fitted  bool
}

// NewStackedRegressor builds an unfitted stack over members.
func NewStackedRegressor(members []Member, passthrough bool) *StackedRegressor {
	return &StackedRegressor{
		Members:     members,
		Passthrough: passthrough,
		Alpha:       DefaultAlpha,
	}
}

// Fit trains the members and the combiner. On failure all member models
// trained so far are released, so a failed stack never leaks handles.
func (s *StackedRegressor) Fit(X mat.Matrix, y *mat.VecDense) error {
	if len(s.Members) < 2 {
		return errors.NewValueError("StackedRegressor.Fit", "a stack needs at least two members")
	}
	rows, _ := X.Dims()
	if rows == 0 || rows != y.Len() {
		return errors.NewDimensionError("StackedRegressor.Fit", rows, y.Len(), 0)
	}

	models := make([]Model, 0, len(s.Members))
	release := func() {
		for _, m := range models {
			m.Release()
		}
	}

	for _, member := range s.Members {
		m, err := member.Fit(X, y)
		if err != nil {
			release()
			return errors.NewModelError("StackedRegressor.Fit", member.Name, err)
		}
		models = append(models, m)
	}

	meta, err := s.metaFeatures(models, X)
	if err != nil {
		release()
		return err
	}

	weights, err := solveRidge(meta, y, s.Alpha)
	if err != nil {
		release()
		return err
	}

	s.releaseModels()
	s.models = models
	s.weights = weights
	_, s.nMeta = meta.Dims()
	s.fitted = true
	return nil
}

// metaFeatures builds the combiner's design matrix: one prediction column
// per member, the raw features when Passthrough is set, and a bias column.
func (s *StackedRegressor) metaFeatures(models []Model, X mat.Matrix) (*mat.Dense, error) {
	rows, cols := X.Dims()
	nMeta := len(models) + 1
	if s.Passthrough {
		nMeta += cols
	}

	meta := mat.NewDense(rows, nMeta, nil)
	for j, m := range models {
		pred, err := m.Predict(X)
		if err != nil {
			return nil, errors.NewModelError("StackedRegressor", s.Members[j].Name, err)
		}
		pr, pc := pred.Dims()
		if pr != rows || pc < 1 {
			return nil, errors.NewDimensionError("StackedRegressor.metaFeatures", rows, pr, 0)
		}
		for i := 0; i < rows; i++ {
			meta.Set(i, j, pred.At(i, 0))
		}
	}

	off := len(models)
	if s.Passthrough {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				meta.Set(i, off+j, X.At(i, j))
			}
		}
		off += cols
	}
	for i := 0; i < rows; i++ {
		meta.Set(i, off, 1) // bias
	}
	return meta, nil
}

// solveRidge solves (AᵀA + αI)w = Aᵀy by normal equations.
func solveRidge(A *mat.Dense, y *mat.VecDense, alpha float64) (*mat.VecDense, error) {
	_, cols := A.Dims()

	var gram mat.Dense
	gram.Mul(A.T(), A)
	for i := 0; i < cols; i++ {
		gram.Set(i, i, gram.At(i, i)+alpha)
	}

	var aty mat.VecDense
	aty.MulVec(A.T(), y)

	w := mat.NewVecDense(cols, nil)
	if err := w.SolveVec(&gram, &aty); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "solving the stacked combiner")
	}
	return w, nil
}

// Predict combines the members' predictions with the fitted weights.
func (s *StackedRegressor) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !s.fitted {
		return nil, errors.NewNotFittedError("StackedRegressor", "Predict")
	}

	meta, err := s.metaFeatures(s.models, X)
	if err != nil {
		return nil, err
	}
	_, nMeta := meta.Dims()
	if nMeta != s.nMeta {
		return nil, errors.NewDimensionError("StackedRegressor.Predict", s.nMeta, nMeta, 1)
	}

	rows, _ := meta.Dims()
	out := mat.NewVecDense(rows, nil)
	out.MulVec(meta, s.weights)
	return denseFromVec(out), nil
}

func denseFromVec(v *mat.VecDense) *mat.Dense {
	out := mat.NewDense(v.Len(), 1, nil)
	for i := 0; i < v.Len(); i++ {
		out.Set(i, 0, v.AtVec(i))
	}
	return out
}

// MemberNames returns the names of the stacked members.
func (s *StackedRegressor) MemberNames() []string {
	names := make([]string, len(s.Members))
	for i, m := range s.Members {
		names[i] = m.Name
	}
	return names
}

// Release frees every member model and the combiner state.
func (s *StackedRegressor) Release() {
	s.releaseModels()
	s.weights = nil
	s.fitted = false
}

func (s *StackedRegressor) releaseModels() {
	for _, m := range s.models {
		m.Release()
	}
	s.models = nil
}
