package automl

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/metrics"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/pkg/log"
	"github.com/automl-go/autotune/search"
	"github.com/automl-go/autotune/searchspace"
	"github.com/automl-go/autotune/split"
)

// Phase is the scheduler's lifecycle state.
type Phase int

const (
	PhaseWarmstart Phase = iota
	PhaseSearching
	PhaseStaleRetry
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmstart:
		return "WARMSTART"
	case PhaseSearching:
		return "SEARCHING"
	case PhaseStaleRetry:
		return "STALE_RETRY"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Outcome classifies how one scheduling step ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeDeactivated
)

// scheduler drives one search run over a fixed dataset. It owns the
// RunState; nothing outside the scheduler mutates it.
type scheduler struct {
	settings *Settings
	costs    *CostModel
	policy   Policy
	rs       *RunState
	logger   log.Logger

	// X, y is the full dataset, used by the finalizer's retrain step.
	X mat.Matrix
	y *mat.VecDense

	folds    []split.Fold
	fullSize int
	lossFn   metrics.LossFunc

	proposers map[string]*search.LocalSearch

	// nextSample is the per-learner progressive sample size for the next
	// trial.
	nextSample map[string]int

	retries  map[string]int
	failures map[string]int

	phase Phase

	// earlyStopMultiple escalates each time it is exceeded, so a single
	// early warning does not repeatedly re-trigger.
	earlyStopMultiple float64
}

// newScheduler prepares folds, proposers and policy for one run.
func newScheduler(settings *Settings, X mat.Matrix, y *mat.VecDense) (*scheduler, error) {
	rows, _ := X.Dims()
	if rows == 0 || rows != y.Len() {
		return nil, errors.NewDimensionError("Fit", rows, y.Len(), 0)
	}

	folds, err := settings.Splitter.Folds(X, y)
	if err != nil {
		return nil, errors.Wrap(err, "building train/validation folds")
	}
	lossFn, err := metrics.Lookup(settings.Metric)
	if err != nil {
		return nil, err
	}

	rs := newRunState(settings.Learners, settings.Budget)
	costs := NewCostModel(rows)

	var policy Policy
	if settings.BudgetSpecified() {
		policy = newCostGreedyPolicy(costs, settings.Seed)
	} else {
		policy = newRoundRobinPolicy()
	}

	s := &scheduler{
		settings:          settings,
		costs:             costs,
		policy:            policy,
		rs:                rs,
		logger:            settings.Logger.With(log.RunIDKey, rs.RunID),
		X:                 X,
		y:                 y,
		folds:             folds,
		fullSize:          rows,
		lossFn:            lossFn,
		proposers:         make(map[string]*search.LocalSearch, len(settings.Learners)),
		nextSample:        make(map[string]int, len(settings.Learners)),
		retries:           make(map[string]int),
		failures:          make(map[string]int),
		phase:             PhaseWarmstart,
		earlyStopMultiple: DefaultEarlyStopMultiple,
	}

	// Warm starts are queued inside each proposer so the init configs are
	// served before any sampled proposal.
	for i, l := range settings.Learners {
		name := l.Name()
		s.proposers[name] = search.NewLocalSearch(
			l.SearchSpace(),
			settings.Seed+uint64(i+1)*7919,
			l.InitConfigs()...,
		)
		s.nextSample[name] = s.startSample()
	}
	return s, nil
}

// startSample is the progressive-sampling floor for this dataset.
func (s *scheduler) startSample() int {
	if s.fullSize <= s.settings.MinSampleSize {
		return s.fullSize
	}
	return s.settings.MinSampleSize
}

// Run executes the search until DONE and returns the final RunState.
func (s *scheduler) Run(ctx context.Context) (*RunState, error) {
	s.logger.Info("search started",
		log.BudgetTotalKey, s.settings.Budget,
		log.SamplesKey, s.fullSize,
		log.MetricNameKey, s.settings.Metric,
	)

	switch {
	case !s.settings.BudgetSpecified():
		s.runRoundRobin(ctx)
	case s.settings.ConcurrentTrials > 1:
		if err := s.runConcurrent(ctx); err != nil {
			return s.rs, err
		}
	default:
		if err := s.runSearch(ctx); err != nil {
			return s.rs, err
		}
	}

	s.phase = PhaseDone
	s.logger.Info("search finished",
		log.TrialsKey, s.rs.TotalTrials(),
		log.BestLossKey, s.rs.BestLossGlobal,
		log.LearnerNameKey, s.rs.BestLearnerName,
	)
	return s.rs, nil
}

// runRoundRobin is the zero-budget mode: one trial per learner family, no
// cost accounting, no optimization beyond the warm start. Runs with an
// explicit trial cap carry an iteration budget and take the budgeted path
// instead.
func (s *scheduler) runRoundRobin(ctx context.Context) {
	for trial := 0; trial < len(s.settings.Learners); trial++ {
		if ctx.Err() != nil {
			return
		}
		st := s.policy.Select(s.rs)
		if st == nil {
			return
		}
		s.phase = PhaseSearching
		s.step(st, math.Inf(1))
	}
}

// runSearch is the budgeted steady state.
func (s *scheduler) runSearch(ctx context.Context) error {
	for s.rs.TotalTrials() < s.settings.MaxIter {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "search cancelled")
		}
		if !s.rs.Unlimited() && s.rs.Remaining() <= 0 {
			return nil
		}
		st := s.policy.Select(s.rs)
		if st == nil {
			return nil
		}

		trialBudget := s.trialBudget(st)
		if trialBudget <= 0 {
			// The reserve for the final retrain has eaten the remaining
			// budget; stop searching so the retrain can still happen.
			return nil
		}

		s.phase = PhaseSearching
		s.step(st, trialBudget)

		if s.shouldEarlyStop() {
			return nil
		}
	}
	return nil
}

// trialBudget computes the advisory time budget for one trial of st.
func (s *scheduler) trialBudget(st *LearnerState) float64 {
	budget := math.Min(s.rs.Remaining(), s.settings.TrainTimeLimit)
	if s.settings.RetrainFull && !s.rs.Unlimited() {
		if best := s.rs.BestState(); best != nil && best.BestSampleSize < s.fullSize {
			budget = math.Min(budget, s.rs.Remaining()-s.costs.EstimatedRetrainCost(best))
		}
	}
	return budget
}

// step performs one trial of the selected learner: propose, validate,
// train, evaluate, fold the result, and apply deactivation rules.
func (s *scheduler) step(st *LearnerState, trialBudget float64) Outcome {
	cfg, outcome := s.propose(st)
	if outcome != OutcomeSuccess {
		return outcome
	}

	trialID := uuid.NewString()
	sampleSize := s.nextSample[st.Name]

	if s.settings.MemThreshold > 0 && st.Learner.Size(cfg) > s.settings.MemThreshold {
		// Never dispatched to the trainer, but the proposer still gets
		// feedback so it moves away from oversized configurations.
		s.logger.Warn("configuration rejected by memory threshold",
			log.LearnerNameKey, st.Name, log.TrialIDKey, trialID)
		res := TrialResult{
			TrialID:    trialID,
			Learner:    st.Name,
			Config:     cfg,
			Loss:       math.Inf(1),
			SampleSize: sampleSize,
		}
		s.fold(st, res, 0)
		return OutcomeFailed
	}

	res := s.runTrial(st.Learner, cfg, sampleSize, trialBudget, trialID)
	s.fold(st, res, res.EvalSeconds)

	if res.Failed() {
		s.failures[st.Name]++
		if s.failures[st.Name] >= s.settings.FailureCap {
			s.logger.Warn("learner deactivated after repeated failures",
				log.LearnerNameKey, st.Name, log.RetriesKey, s.failures[st.Name])
			s.rs.Deactivate(st.Name)
			return OutcomeDeactivated
		}
		return OutcomeFailed
	}
	s.failures[st.Name] = 0
	return OutcomeSuccess
}

// propose asks the learner's proposer for the next in-space configuration,
// retrying invalid ones up to the retry cap. Retries never touch the
// learner's trial counters.
func (s *scheduler) propose(st *LearnerState) (searchspace.Config, Outcome) {
	proposer := s.proposers[st.Name]
	for {
		cfg, err := proposer.Ask(askID(st.Name, st.TotalTrials, s.retries[st.Name]))
		if errors.Is(err, search.ErrFinished) {
			s.logger.Info("learner search space exhausted",
				log.LearnerNameKey, st.Name, log.TrialsKey, st.TotalTrials)
			s.rs.Deactivate(st.Name)
			return nil, OutcomeDeactivated
		}
		if err == nil {
			if checkErr := st.Space.Check(cfg); checkErr == nil {
				return cfg, OutcomeSuccess
			}
		}

		s.phase = PhaseStaleRetry
		s.retries[st.Name]++
		if s.retries[st.Name] >= s.settings.RetryCap {
			s.logger.Warn("learner deactivated after invalid proposals",
				log.LearnerNameKey, st.Name, log.RetriesKey, s.retries[st.Name])
			s.rs.Deactivate(st.Name)
			return nil, OutcomeDeactivated
		}
	}
}

func askID(learner string, trials, retries int) string {
	return fmt.Sprintf("%s-%d-%d", learner, trials, retries)
}

// runTrial trains and evaluates one configuration across the folds.
// Trainer panics are converted to failed trials at this boundary so a
// single bad trial never aborts the run.
func (s *scheduler) runTrial(l Learner, cfg searchspace.Config, sampleSize int, trialBudget float64, trialID string) TrialResult {
	res := TrialResult{
		TrialID:    trialID,
		Learner:    l.Name(),
		Config:     cfg,
		Loss:       math.Inf(1),
		SampleSize: sampleSize,
	}

	var (
		model     Model
		lossSum   float64
		lossFolds int
		seconds   float64
	)
	err := errors.SafeExecute("trial", func() error {
		for _, fold := range s.folds {
			var XTr mat.Matrix = fold.XTrain
			yTr := fold.YTrain
			if rows, _ := XTr.Dims(); sampleSize < rows {
				XTr, yTr = split.Subsample(XTr, yTr, sampleSize, int(s.settings.Seed))
			}

			m, trainSec, fitErr := l.Fit(XTr, yTr, cfg, trialBudget)
			seconds += trainSec
			if fitErr != nil {
				return fitErr
			}

			pred, predErr := m.Predict(fold.XVal)
			if predErr != nil {
				m.Release()
				return predErr
			}
			predVec, vecErr := metrics.ColumnVec(pred)
			if vecErr != nil {
				m.Release()
				return vecErr
			}
			loss, lossErr := s.lossFn(predVec, fold.YVal)
			if lossErr != nil {
				m.Release()
				return lossErr
			}
			lossSum += loss
			lossFolds++

			// Only the model from the final fold is kept as the trial's
			// candidate handle.
			if model != nil {
				model.Release()
			}
			model = m
		}
		return nil
	})
	if err != nil {
		if model != nil {
			model.Release()
			model = nil
		}
		s.logger.Warn("trial failed",
			log.LearnerNameKey, l.Name(),
			log.TrialIDKey, trialID,
			log.ErrAttrKey, errors.NewTrialError(l.Name(), trialID, "fit", err),
		)
		res.EvalSeconds = seconds
		return res
	}

	res.Loss = lossSum / float64(lossFolds)
	res.EvalSeconds = seconds
	res.Model = model
	return res
}

// fold applies one result to the run state, drives progressive sampling,
// and removes learners whose next trial can no longer fit the budget.
func (s *scheduler) fold(st *LearnerState, res TrialResult, timeUsed float64) {
	improved := s.rs.Fold(res, timeUsed)
	s.proposers[st.Name].Tell(res.TrialID, search.Observation{
		Config: res.Config,
		Loss:   res.Loss,
		Cost:   res.EvalSeconds,
	})

	s.logger.Debug("trial folded",
		log.LearnerNameKey, st.Name,
		log.TrialIDKey, res.TrialID,
		log.LossKey, res.Loss,
		log.BestLossKey, s.rs.BestLossGlobal,
		log.SampleSizeKey, res.SampleSize,
		log.BudgetElapsedKey, s.rs.ElapsedBudget,
	)

	// Progressive sampling: a learner improving at the current sample size
	// earns a larger one next time, up to the full dataset.
	if improved && st.SampleSize > 0 && st.SampleSize < s.fullSize {
		grown := st.SampleSize * 2
		if grown > s.fullSize {
			grown = s.fullSize
		}
		s.nextSample[st.Name] = grown
	}

	if !s.rs.Unlimited() && s.rs.IsActive(st.Name) && st.LastEvalTime > s.rs.Remaining() {
		s.logger.Info("learner deactivated: last trial alone exceeds remaining budget",
			log.LearnerNameKey, st.Name,
			log.DurationSecondsKey, st.LastEvalTime,
			log.BudgetElapsedKey, s.rs.ElapsedBudget,
		)
		s.rs.Deactivate(st.Name)
	}
}

// shouldEarlyStop implements the escalating convergence check.
func (s *scheduler) shouldEarlyStop() bool {
	if s.rs.BestState() == nil || s.rs.BestFoundAt <= 0 {
		return false
	}
	if s.rs.ElapsedBudget <= s.earlyStopMultiple*s.rs.BestFoundAt {
		return false
	}

	allConverged := true
	for _, st := range s.rs.ActiveLearners() {
		if !s.proposers[st.Name].Converged() {
			allConverged = false
			break
		}
	}
	if s.settings.EarlyStop && allConverged {
		s.logger.Info("early stop: all proposers converged and no recent improvement",
			log.BudgetElapsedKey, s.rs.ElapsedBudget,
			log.BestLossKey, s.rs.BestLossGlobal,
		)
		return true
	}

	errors.Warn(errors.NewConvergenceWarning("scheduler", s.rs.TotalTrials(), fmt.Sprintf(
		"no improvement for %.0fx the time the current best took to find", s.earlyStopMultiple)))
	s.earlyStopMultiple *= 10
	return false
}
