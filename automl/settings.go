package automl

import (
	"math"

	"github.com/automl-go/autotune/metrics"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/pkg/log"
	"github.com/automl-go/autotune/split"
)

// UnlimitedBudget disables the time budget; the run is bounded by MaxIter
// and proposer convergence instead.
const UnlimitedBudget = -1.0

// Default knobs. Budget units are trainer-reported seconds.
const (
	DefaultMaxIter           = 1000000
	DefaultTrainTimeLimit    = math.MaxFloat64
	DefaultMinSampleSize     = 10000
	DefaultEarlyStopMultiple = 10.0
	DefaultRetryCap          = 3
	DefaultFailureCap        = 5
	DefaultConcurrentTrials  = 1
	DefaultEnsembleLossRatio = 4.0
)

// Settings is the resolved configuration of one search run. Build it with
// NewSettings and Option values; zero-value Settings is not usable.
type Settings struct {
	// Budget is the total search budget in budget units; UnlimitedBudget
	// disables it.
	Budget float64

	// MaxIter caps the total number of trials across all learners.
	MaxIter int

	// Metric names the loss function; must resolve via metrics.Lookup.
	Metric string

	// Learners is the candidate set, in declaration order.
	Learners []Learner

	// TrainTimeLimit bounds a single trial's advisory time budget.
	TrainTimeLimit float64

	// MemThreshold rejects configurations whose estimated model size
	// exceeds it, in bytes. Zero disables the check.
	MemThreshold int64

	// MinSampleSize is the progressive-sampling floor. Datasets at or
	// below it are never subsampled.
	MinSampleSize int

	// ConcurrentTrials > 1 switches to the concurrent dispatcher.
	ConcurrentTrials int

	// RetrainFull reserves budget for, and performs, a full-data retrain
	// of the winner when it was found on a subsample.
	RetrainFull bool

	// Ensemble stacks the top learners after the search.
	Ensemble bool

	// EarlyStop terminates the run once every proposer has converged and
	// elapsed time exceeds an escalating multiple of time-to-best.
	EarlyStop bool

	// RetryCap bounds invalid-proposal retries per learner before
	// deactivation.
	RetryCap int

	// FailureCap bounds consecutive trainer failures per learner before
	// deactivation.
	FailureCap int

	// Seed drives every random choice in the run.
	Seed uint64

	// Splitter produces train/validation folds. Defaults to a shuffled
	// 90/10 holdout.
	Splitter split.Provider

	Logger log.Logger
}

// Option mutates Settings during construction.
type Option func(*Settings)

// WithBudget sets the total budget; pass UnlimitedBudget for none.
func WithBudget(budget float64) Option {
	return func(s *Settings) { s.Budget = budget }
}

// WithMaxIter caps the total trial count.
func WithMaxIter(n int) Option {
	return func(s *Settings) { s.MaxIter = n }
}

// WithMetric selects the validation loss by name (e.g. "rmse").
func WithMetric(name string) Option {
	return func(s *Settings) { s.Metric = name }
}

// WithLearners sets the candidate learner set.
func WithLearners(learners ...Learner) Option {
	return func(s *Settings) { s.Learners = learners }
}

// WithLearnerNames resolves registered learner families by name.
func WithLearnerNames(names ...string) Option {
	return func(s *Settings) {
		for _, name := range names {
			l, err := NewLearner(name)
			if err != nil {
				continue // validated again in Validate
			}
			s.Learners = append(s.Learners, l)
		}
		if len(s.Learners) != len(names) {
			s.Learners = nil // force the validation error with the names intact
		}
	}
}

// WithTrainTimeLimit bounds each trial's advisory time budget.
func WithTrainTimeLimit(limit float64) Option {
	return func(s *Settings) { s.TrainTimeLimit = limit }
}

// WithMemThreshold rejects configurations estimated above bytes.
func WithMemThreshold(bytes int64) Option {
	return func(s *Settings) { s.MemThreshold = bytes }
}

// WithMinSampleSize sets the progressive-sampling floor.
func WithMinSampleSize(n int) Option {
	return func(s *Settings) { s.MinSampleSize = n }
}

// WithConcurrentTrials sets the in-flight trial bound; n <= 1 is sequential.
func WithConcurrentTrials(n int) Option {
	return func(s *Settings) { s.ConcurrentTrials = n }
}

// WithRetrainFull enables the final full-data retrain.
func WithRetrainFull(on bool) Option {
	return func(s *Settings) { s.RetrainFull = on }
}

// WithEnsemble enables post-search stacking of the top learners.
func WithEnsemble(on bool) Option {
	return func(s *Settings) { s.Ensemble = on }
}

// WithEarlyStop enables convergence-based early termination.
func WithEarlyStop(on bool) Option {
	return func(s *Settings) { s.EarlyStop = on }
}

// WithRetryCap bounds invalid-proposal retries per learner.
func WithRetryCap(n int) Option {
	return func(s *Settings) { s.RetryCap = n }
}

// WithFailureCap bounds consecutive trainer failures per learner before
// the learner is deactivated.
func WithFailureCap(n int) Option {
	return func(s *Settings) { s.FailureCap = n }
}

// WithSeed fixes the run's random seed.
func WithSeed(seed uint64) Option {
	return func(s *Settings) { s.Seed = seed }
}

// WithSplitter replaces the default holdout split provider.
func WithSplitter(p split.Provider) Option {
	return func(s *Settings) { s.Splitter = p }
}

// WithLogger replaces the process-wide logger for this run.
func WithLogger(l log.Logger) Option {
	return func(s *Settings) { s.Logger = l }
}

// NewSettings applies opts over the defaults and validates the result.
func NewSettings(opts ...Option) (*Settings, error) {
	s := &Settings{
		Budget:           UnlimitedBudget,
		MaxIter:          DefaultMaxIter,
		Metric:           "rmse",
		TrainTimeLimit:   DefaultTrainTimeLimit,
		MinSampleSize:    DefaultMinSampleSize,
		ConcurrentTrials: DefaultConcurrentTrials,
		RetryCap:         DefaultRetryCap,
		FailureCap:       DefaultFailureCap,
		Seed:             1,
		Splitter:         &split.Holdout{ValFraction: 0.1, Shuffle: true, RandomSeed: 1},
		Logger:           log.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects configurations that must never silently run.
func (s *Settings) Validate() error {
	if s.Budget < 0 && s.Budget != UnlimitedBudget {
		return errors.NewBudgetError("validate", "negative budget is not a valid limit; use UnlimitedBudget (-1) for no limit", s.Budget)
	}
	if len(s.Learners) == 0 {
		return errors.NewValidationError("learners", "at least one learner is required", "")
	}
	seen := make(map[string]bool, len(s.Learners))
	for _, l := range s.Learners {
		if seen[l.Name()] {
			return errors.NewValidationError("learners", "duplicate learner name", l.Name())
		}
		seen[l.Name()] = true
	}
	if _, err := metrics.Lookup(s.Metric); err != nil {
		return err
	}
	if s.MaxIter <= 0 {
		return errors.NewValidationError("max_iter", "must be positive", "")
	}
	if s.ConcurrentTrials < 1 {
		s.ConcurrentTrials = 1
	}
	if s.Logger == nil {
		s.Logger = log.GetLogger()
	}
	return nil
}

// BudgetSpecified reports whether a finite budget or an explicit trial cap
// was configured. Without either, the scheduler degenerates to one
// round-robin pass.
func (s *Settings) BudgetSpecified() bool {
	return s.Budget != UnlimitedBudget || s.MaxIter != DefaultMaxIter
}
