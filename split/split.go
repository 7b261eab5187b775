// Package split provides train/validation splitting for search runs.
//
// The scheduler consumes splits through the Provider interface, so holdout
// evaluation and k-fold cross-validation are interchangeable.
package split

import (
	"math/rand/v2"

	"github.com/automl-go/autotune/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Fold is one train/validation partition of a dataset.
type Fold struct {
	XTrain *mat.Dense
	YTrain *mat.VecDense
	XVal   *mat.Dense
	YVal   *mat.VecDense
}

// Provider yields the folds a trial is evaluated on.
// A holdout provider yields one fold; a k-fold provider yields k.
type Provider interface {
	Folds(X mat.Matrix, y *mat.VecDense) ([]Fold, error)
}

// Holdout splits off a validation fraction once.
type Holdout struct {
	ValFraction float64
	Shuffle     bool
	RandomSeed  int
}

// NewHoldout creates a holdout splitter. Fractions outside (0, 1) fall back
// to the conventional 0.2.
func NewHoldout(valFraction float64, shuffle bool, randomSeed int) *Holdout {
	if valFraction <= 0 || valFraction >= 1 {
		valFraction = 0.2
	}
	return &Holdout{ValFraction: valFraction, Shuffle: shuffle, RandomSeed: randomSeed}
}

// Folds implements Provider.
func (h *Holdout) Folds(X mat.Matrix, y *mat.VecDense) ([]Fold, error) {
	nSamples, _ := X.Dims()
	if nSamples == 0 {
		return nil, errors.NewValueError("Holdout.Folds", "empty dataset")
	}
	if y.Len() != nSamples {
		return nil, errors.NewDimensionError("Holdout.Folds", nSamples, y.Len(), 0)
	}

	nVal := int(float64(nSamples) * h.ValFraction)
	if nVal < 1 {
		nVal = 1
	}
	if nVal >= nSamples {
		return nil, errors.NewValueError("Holdout.Folds", "validation fraction leaves no training rows")
	}

	indices := permutation(nSamples, h.Shuffle, h.RandomSeed)
	fold := gather(X, y, indices[nVal:], indices[:nVal])
	return []Fold{fold}, nil
}

// KFold is a k-fold cross-validation splitter.
type KFold struct {
	NSplits    int
	Shuffle    bool
	RandomSeed int
}

// NewKFold creates a new k-fold splitter. Fewer than 2 splits falls back to 5.
func NewKFold(nSplits int, shuffle bool, randomSeed int) *KFold {
	if nSplits < 2 {
		nSplits = 5
	}
	return &KFold{NSplits: nSplits, Shuffle: shuffle, RandomSeed: randomSeed}
}

// Folds implements Provider.
func (kf *KFold) Folds(X mat.Matrix, y *mat.VecDense) ([]Fold, error) {
	nSamples, _ := X.Dims()
	if nSamples < kf.NSplits {
		return nil, errors.NewValueError("KFold.Folds", "fewer samples than splits")
	}
	if y.Len() != nSamples {
		return nil, errors.NewDimensionError("KFold.Folds", nSamples, y.Len(), 0)
	}

	indices := permutation(nSamples, kf.Shuffle, kf.RandomSeed)

	folds := make([]Fold, 0, kf.NSplits)
	foldSize := nSamples / kf.NSplits
	remainder := nSamples % kf.NSplits

	current := 0
	for i := 0; i < kf.NSplits; i++ {
		valSize := foldSize
		if i < remainder {
			valSize++
		}

		valIdx := indices[current : current+valSize]
		trainIdx := make([]int, 0, nSamples-valSize)
		trainIdx = append(trainIdx, indices[:current]...)
		trainIdx = append(trainIdx, indices[current+valSize:]...)

		folds = append(folds, gather(X, y, trainIdx, valIdx))
		current += valSize
	}

	return folds, nil
}

// permutation returns row indices, shuffled deterministically when requested.
func permutation(n int, shuffle bool, seed int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if shuffle {
		r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
		r.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return indices
}

// gather materializes a fold from row index sets.
func gather(X mat.Matrix, y *mat.VecDense, trainIdx, valIdx []int) Fold {
	_, nFeatures := X.Dims()

	xTrain := mat.NewDense(len(trainIdx), nFeatures, nil)
	yTrain := mat.NewVecDense(len(trainIdx), nil)
	for i, idx := range trainIdx {
		for j := 0; j < nFeatures; j++ {
			xTrain.Set(i, j, X.At(idx, j))
		}
		yTrain.SetVec(i, y.AtVec(idx))
	}

	xVal := mat.NewDense(len(valIdx), nFeatures, nil)
	yVal := mat.NewVecDense(len(valIdx), nil)
	for i, idx := range valIdx {
		for j := 0; j < nFeatures; j++ {
			xVal.Set(i, j, X.At(idx, j))
		}
		yVal.SetVec(i, y.AtVec(idx))
	}

	return Fold{XTrain: xTrain, YTrain: yTrain, XVal: xVal, YVal: yVal}
}

// Subsample returns the first n rows of X and y in permuted order, used by
// progressive sampling. n is clamped to the dataset size.
func Subsample(X mat.Matrix, y *mat.VecDense, n, seed int) (*mat.Dense, *mat.VecDense) {
	nSamples, nFeatures := X.Dims()
	if n >= nSamples {
		n = nSamples
	}

	indices := permutation(nSamples, true, seed)[:n]
	xSub := mat.NewDense(n, nFeatures, nil)
	ySub := mat.NewVecDense(n, nil)
	for i, idx := range indices {
		for j := 0; j < nFeatures; j++ {
			xSub.Set(i, j, X.At(idx, j))
		}
		ySub.SetVec(i, y.AtVec(idx))
	}
	return xSub, ySub
}
