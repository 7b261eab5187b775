package automl

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/ensemble"
	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/pkg/log"
)

// EnsembleLossRatio admits learners into the stack whose best loss is
// within this multiple of the global best.
const EnsembleLossRatio = DefaultEnsembleLossRatio

// finalize runs after the search loop: it retrains the winner on the full
// dataset when the budget allows, optionally stacks the top learners, and
// attaches the final model to the RunState. The returned error is non-nil
// only for "no model at all" and for an unrecoverable ensemble failure; in
// the latter case the single best model is still attached.
func (s *scheduler) finalize() (Model, error) {
	best := s.rs.BestState()
	if best == nil || best.BestModel == nil {
		return nil, errors.NewModelError("finalize", "search", errors.New("no trial produced a model"))
	}

	s.retrainBest(best)

	if s.settings.Ensemble {
		if stack, err := s.buildEnsemble(); err != nil {
			s.rs.FinalModel = best.BestModel
			return best.BestModel, err
		} else if stack != nil {
			s.rs.FinalModel = stack
			return stack, nil
		}
	}

	s.rs.FinalModel = best.BestModel
	return best.BestModel, nil
}

// retrainBest performs the deferred full-data retrain of the winning
// configuration. Retraining is idempotent: a (learner, sampleSize, config)
// triple is trained at most once per run, and the step is skipped when it
// is estimated to overrun the remaining budget.
func (s *scheduler) retrainBest(best *LearnerState) {
	if !s.settings.RetrainFull || best.BestSampleSize >= s.fullSize {
		return
	}
	if !s.rs.Unlimited() && s.costs.EstimatedRetrainCost(best) > s.rs.Remaining() {
		s.logger.Info("skipping full-data retrain: estimated cost exceeds remaining budget",
			log.LearnerNameKey, best.Name,
			log.EstimatedCostKey, s.costs.EstimatedRetrainCost(best),
			log.BudgetElapsedKey, s.rs.ElapsedBudget,
		)
		return
	}
	if !s.rs.MarkRetrained(best.Name, s.fullSize, best.BestConfig) {
		return
	}

	budget := s.rs.Remaining()
	if math.IsInf(budget, 1) {
		budget = s.settings.TrainTimeLimit
	}
	model, seconds, err := best.Learner.Fit(s.X, s.y, best.BestConfig, budget)
	if !s.rs.Unlimited() {
		s.rs.ElapsedBudget += seconds
	}
	if err != nil {
		s.logger.Warn("full-data retrain failed, keeping the sampled model",
			log.LearnerNameKey, best.Name, log.ErrAttrKey, err)
		return
	}

	if best.BestModel != nil {
		best.BestModel.Release()
		best.Released++
	}
	best.BestModel = model
	best.BestSampleSize = s.fullSize
	best.EvalTimeAtBest = seconds
	s.logger.Info("retrained best configuration on full data",
		log.LearnerNameKey, best.Name,
		log.SampleSizeKey, s.fullSize,
		log.DurationSecondsKey, seconds,
	)
}

// ensembleMembers selects the stack: the top two learners by best loss
// unconditionally, plus any other learner within EnsembleLossRatio of the
// global best.
func (s *scheduler) ensembleMembers() []*LearnerState {
	ranked := s.rs.RankedStates()
	var members []*LearnerState
	for i, st := range ranked {
		if math.IsInf(st.BestLoss, 1) || st.BestModel == nil {
			continue
		}
		if i < 2 || st.BestLoss <= s.rs.BestLossGlobal*EnsembleLossRatio {
			members = append(members, st)
		}
	}
	return members
}

// buildEnsemble stacks the selected learners' best configurations. A fit
// failure caused by feature incompatibility is retried once without
// passthrough before the error is surfaced.
func (s *scheduler) buildEnsemble() (Model, error) {
	selected := s.ensembleMembers()
	if len(selected) < 2 {
		s.logger.Info("ensembling skipped: fewer than two usable learners")
		return nil, nil
	}

	members := make([]ensemble.Member, len(selected))
	names := make([]string, len(selected))
	for i, st := range selected {
		learner := st.Learner
		cfg := st.BestConfig
		budget := s.settings.TrainTimeLimit
		members[i] = ensemble.Member{
			Name: st.Name,
			Fit: func(X mat.Matrix, y *mat.VecDense) (ensemble.Model, error) {
				m, _, err := learner.Fit(X, y, cfg, budget)
				if err != nil {
					return nil, err
				}
				return m, nil
			},
		}
		names[i] = st.Name
	}

	stack := ensemble.NewStackedRegressor(members, true)
	err := stack.Fit(s.X, s.y)
	var dimErr *errors.DimensionError
	if err != nil && errors.As(err, &dimErr) {
		s.logger.Warn("stacked fit failed with passthrough, retrying without",
			log.ErrAttrKey, err)
		stack = ensemble.NewStackedRegressor(members, false)
		err = stack.Fit(s.X, s.y)
	}
	if err != nil {
		return nil, errors.NewEnsembleError(names, err)
	}

	s.logger.Info("stacked ensemble built", log.LearnerNameKey, names)
	return stack, nil
}
