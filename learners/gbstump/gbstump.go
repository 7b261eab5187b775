// Package gbstump provides the gradient-boosted decision-stump learner
// family: an additive model of depth-1 trees fitted to squared-error
// residuals. It is the most expensive family and the one that benefits
// most from hyperparameter search.
package gbstump

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/automl"
	"github.com/automl-go/autotune/core/model"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// thresholdCandidates bounds the split candidates evaluated per feature,
// keeping one boosting round linear in the sample size.
const thresholdCandidates = 16

// Stump is one depth-1 tree: a single split with two leaf values.
type Stump struct {
	Feature   int
	Threshold float64
	Left      float64
	Right     float64
}

func (s Stump) predict(row []float64) float64 {
	if row[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// Callback observes each boosting round and may stop training early.
// Returning true stops the boost after the current round; the model built
// so far is kept.
type Callback func(round int, trainLoss float64) bool

// TimeLimit stops the boost once the given seconds have elapsed. The
// scheduler relies on this: trials self-terminate rather than being
// cancelled from outside.
func TimeLimit(seconds float64) Callback {
	start := time.Now()
	return func(int, float64) bool {
		return seconds > 0 && time.Since(start).Seconds() >= seconds
	}
}

// EarlyStopping stops after patience rounds without train-loss improvement.
func EarlyStopping(patience int) Callback {
	best := math.Inf(1)
	bad := 0
	return func(_ int, loss float64) bool {
		if loss < best {
			best = loss
			bad = 0
			return false
		}
		bad++
		return bad >= patience
	}
}

// Booster is the fitted additive model.
type Booster struct {
	model.BaseEstimator

	LearningRate float64
	NFeatures    int

	base   float64
	stumps []Stump
}

// Rounds returns the number of boosting rounds actually performed.
func (b *Booster) Rounds() int { return len(b.stumps) }

// Fit boosts up to nRounds stumps on X, y, consulting the callbacks after
// every round.
func (b *Booster) Fit(X mat.Matrix, y *mat.VecDense, nRounds int, callbacks ...Callback) error {
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("gbstump.Fit", "empty data", errors.ErrEmptyData)
	}
	if y.Len() != rows {
		return errors.NewDimensionError("gbstump.Fit", rows, y.Len(), 0)
	}
	if nRounds < 1 {
		return errors.NewValidationError("n_estimators", "must be at least 1", nRounds)
	}

	data := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		data[i] = make([]float64, cols)
		for j := 0; j < cols; j++ {
			data[i][j] = X.At(i, j)
		}
	}

	b.NFeatures = cols
	b.base = mean(y)
	b.stumps = b.stumps[:0]

	residual := make([]float64, rows)
	for i := range residual {
		residual[i] = y.AtVec(i) - b.base
	}

boost:
	for round := 0; round < nRounds; round++ {
		stump, ok := bestStump(data, residual)
		if !ok {
			break // no split reduces the error any further
		}

		loss := 0.0
		for i := range residual {
			residual[i] -= b.LearningRate * stump.predict(data[i])
			loss += residual[i] * residual[i]
		}
		loss /= float64(rows)
		b.stumps = append(b.stumps, stump)

		for _, cb := range callbacks {
			if cb(round, loss) {
				break boost
			}
		}
	}

	b.SetFitted()
	return nil
}

func mean(y *mat.VecDense) float64 {
	sum := 0.0
	for i := 0; i < y.Len(); i++ {
		sum += y.AtVec(i)
	}
	return sum / float64(y.Len())
}

// bestStump finds the single split with the largest squared-error
// reduction over all features, trying a bounded set of quantile
// thresholds per feature.
func bestStump(data [][]float64, residual []float64) (Stump, bool) {
	rows := len(data)
	cols := len(data[0])

	bestGain := 0.0
	var best Stump
	found := false

	values := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			values[i] = data[i][j]
		}
		for _, threshold := range quantiles(values) {
			var sumL, sumR float64
			var nL, nR int
			for i := 0; i < rows; i++ {
				if data[i][j] <= threshold {
					sumL += residual[i]
					nL++
				} else {
					sumR += residual[i]
					nR++
				}
			}
			if nL == 0 || nR == 0 {
				continue
			}
			// Gain of replacing zero leaves with the side means.
			gain := sumL*sumL/float64(nL) + sumR*sumR/float64(nR)
			if gain > bestGain {
				bestGain = gain
				best = Stump{
					Feature:   j,
					Threshold: threshold,
					Left:      sumL / float64(nL),
					Right:     sumR / float64(nR),
				}
				found = true
			}
		}
	}
	return best, found
}

// quantiles returns up to thresholdCandidates split points of values.
func quantiles(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	out := make([]float64, 0, thresholdCandidates)
	last := math.NaN()
	for k := 1; k <= thresholdCandidates; k++ {
		idx := k * (len(sorted) - 1) / (thresholdCandidates + 1)
		v := sorted[idx]
		if v != last {
			out = append(out, v)
			last = v
		}
	}
	return out
}

// Predict sums the stump outputs over the base prediction.
func (b *Booster) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !b.IsFitted() {
		return nil, errors.NewNotFittedError("gbstump.Booster", "Predict")
	}
	rows, cols := X.Dims()
	if cols != b.NFeatures {
		return nil, errors.NewDimensionError("gbstump.Predict", b.NFeatures, cols, 1)
	}

	row := make([]float64, cols)
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			row[j] = X.At(i, j)
		}
		pred := b.base
		for _, s := range b.stumps {
			pred += b.LearningRate * s.predict(row)
		}
		out.Set(i, 0, pred)
	}
	return out, nil
}

// Release drops the fitted ensemble.
func (b *Booster) Release() {
	b.stumps = nil
	b.Reset()
}

// Learner adapts Booster to the scheduler's trainer contract.
type Learner struct{}

// New returns the boosted-stump learner family.
func New() *Learner { return &Learner{} }

// Name implements automl.Learner.
func (l *Learner) Name() string { return "gbstump" }

// SearchSpace declares rounds and shrinkage; the low-cost seed is a small
// ensemble so the first trials stay cheap.
func (l *Learner) SearchSpace() searchspace.Space {
	return searchspace.Space{
		"n_estimators":  searchspace.IntRange(10, 500).WithLowCost(10),
		"learning_rate": searchspace.LogUniform(0.01, 1.0).WithLowCost(0.1).WithInit(0.1),
	}
}

// InitConfigs implements automl.Learner.
func (l *Learner) InitConfigs() []searchspace.Config {
	return []searchspace.Config{{"n_estimators": 50, "learning_rate": 0.1}}
}

// Fit implements automl.Learner. The time budget is enforced through the
// TimeLimit callback, so an over-budget trial returns the partial ensemble
// built so far instead of overrunning.
func (l *Learner) Fit(X mat.Matrix, y *mat.VecDense, cfg searchspace.Config, timeBudget float64) (automl.Model, float64, error) {
	start := time.Now()
	booster := &Booster{LearningRate: cfg.Float("learning_rate", 0.1)}

	callbacks := []Callback{EarlyStopping(20)}
	if timeBudget > 0 && !math.IsInf(timeBudget, 1) {
		callbacks = append(callbacks, TimeLimit(timeBudget))
	}

	err := booster.Fit(X, y, cfg.Int("n_estimators", 50), callbacks...)
	if err != nil {
		return nil, time.Since(start).Seconds(), err
	}
	return booster, time.Since(start).Seconds(), nil
}

// Size scales with the requested number of rounds.
func (l *Learner) Size(cfg searchspace.Config) int64 {
	const bytesPerStump = 32
	return int64(cfg.Int("n_estimators", 50)) * bytesPerStump
}

// CostRelativeToReference implements automl.Learner.
func (l *Learner) CostRelativeToReference() float64 { return 10.0 }

func init() {
	automl.Register("gbstump", func() automl.Learner { return New() })
}
