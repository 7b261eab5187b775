package automl

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/pkg/log"
	"github.com/automl-go/autotune/search"
	"github.com/automl-go/autotune/searchspace"
)

// completedTrial pairs a trial result with its completion wall-clock, so
// batches can be ordered causally before folding.
type completedTrial struct {
	res TrialResult
	// completedAt is the wall-clock instant the worker finished the trial.
	completedAt time.Time
}

// dispatchOutcome classifies one dispatch attempt.
type dispatchOutcome int

const (
	// dispatchLaunched means a completedTrial will arrive on the results
	// channel; the caller must count it in flight.
	dispatchLaunched dispatchOutcome = iota
	// dispatchSkipped means the proposal was discarded with nothing in
	// flight; the dispatcher may ask again immediately.
	dispatchSkipped
	// dispatchStop means no further trial can be dispatched.
	dispatchStop
)

// runConcurrent is the dispatcher variant of the search loop: up to
// ConcurrentTrials trials run in flight on a worker pool while all state
// mutation stays on this goroutine. Completed trials are drained into a
// batch and sorted by completion time before being folded, so "best so
// far" is always computed over a causally consistent prefix even though
// completion order may not match submission order.
func (s *scheduler) runConcurrent(ctx context.Context) error {
	spaces := make(map[string]searchspace.Space, len(s.settings.Learners))
	for _, l := range s.settings.Learners {
		spaces[l.Name()] = l.SearchSpace()
	}
	js, err := search.NewJointSearch(spaces, s.settings.Seed)
	if err != nil {
		return err
	}

	n := s.settings.ConcurrentTrials
	workers := pool.New().WithMaxGoroutines(n)
	results := make(chan completedTrial, n)
	inflight := 0
	stopDispatch := false

	defer workers.Wait()

	for {
		for !stopDispatch && inflight < n {
			if ctx.Err() != nil || s.rs.TotalTrials()+inflight >= s.settings.MaxIter {
				stopDispatch = true
				break
			}
			if !s.rs.Unlimited() && s.rs.Remaining() <= 0 {
				stopDispatch = true
				break
			}
			switch s.dispatchOne(js, workers, results) {
			case dispatchLaunched:
				inflight++
			case dispatchSkipped:
				// discarded proposal, nothing in flight; ask again
			case dispatchStop:
				stopDispatch = true
			}
		}

		if inflight == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "search cancelled")
			}
			return nil
		}

		// Block for one completion, then drain whatever else has already
		// finished into the same batch.
		batch := []completedTrial{<-results}
		inflight--
	drain:
		for inflight > 0 {
			select {
			case c := <-results:
				batch = append(batch, c)
				inflight--
			default:
				break drain
			}
		}
		s.foldCompleted(js, batch)

		if s.shouldEarlyStopConcurrent(js) {
			stopDispatch = true
		}
	}
}

// dispatchOne asks the joint sampler for a proposal and launches it on the
// pool. Only dispatchLaunched guarantees a result on the channel; the other
// outcomes leave nothing in flight.
func (s *scheduler) dispatchOne(js *search.JointSearch, workers *pool.Pool, results chan<- completedTrial) dispatchOutcome {
	trialID := uuid.NewString()
	prop, err := js.Ask(trialID)
	if err != nil {
		return dispatchStop
	}

	st := s.rs.State(prop.Learner)
	if st == nil || !s.rs.IsActive(prop.Learner) {
		// Deactivation raced the sampler. The proposal is discarded, never
		// dispatched, so it must not be counted in flight; retiring the
		// sub-search stops further proposals for this learner.
		js.Drop(trialID)
		js.Retire(prop.Learner)
		return dispatchSkipped
	}

	sampleSize := s.nextSample[prop.Learner]
	trialBudget := s.trialBudget(st)
	if trialBudget <= 0 {
		// The retrain reserve consumed the remainder. The configuration was
		// never evaluated, so the sampler gets no observation for it.
		js.Drop(trialID)
		return dispatchStop
	}

	if s.settings.MemThreshold > 0 && st.Learner.Size(prop.Config) > s.settings.MemThreshold {
		s.logger.Warn("configuration rejected by memory threshold",
			log.LearnerNameKey, prop.Learner, log.TrialIDKey, trialID)
		results <- completedTrial{
			res: TrialResult{
				TrialID:    trialID,
				Learner:    prop.Learner,
				Config:     prop.Config,
				Loss:       math.Inf(1),
				SampleSize: sampleSize,
			},
			completedAt: time.Now(),
		}
		return dispatchLaunched
	}

	learner := st.Learner
	cfg := prop.Config
	workers.Go(func() {
		res := s.runTrial(learner, cfg, sampleSize, trialBudget, trialID)
		results <- completedTrial{res: res, completedAt: time.Now()}
	})
	return dispatchLaunched
}

// foldCompleted folds a batch of completed trials in completion order.
// This is the serialization point of concurrent mode: no other goroutine
// touches RunState or LearnerState.
func (s *scheduler) foldCompleted(js *search.JointSearch, batch []completedTrial) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].completedAt.Before(batch[j].completedAt)
	})

	for _, c := range batch {
		st := s.rs.State(c.res.Learner)
		if st == nil {
			continue
		}
		improved := s.rs.Fold(c.res, c.res.EvalSeconds)
		js.Tell(c.res.TrialID, search.Observation{
			Config: c.res.Config,
			Loss:   c.res.Loss,
			Cost:   c.res.EvalSeconds,
		})

		s.logger.Debug("trial folded",
			log.LearnerNameKey, c.res.Learner,
			log.TrialIDKey, c.res.TrialID,
			log.LossKey, c.res.Loss,
			log.BestLossKey, s.rs.BestLossGlobal,
			log.BudgetElapsedKey, s.rs.ElapsedBudget,
		)

		if improved && st.SampleSize > 0 && st.SampleSize < s.fullSize {
			grown := st.SampleSize * 2
			if grown > s.fullSize {
				grown = s.fullSize
			}
			s.nextSample[c.res.Learner] = grown
		}

		if !s.rs.Unlimited() && s.rs.IsActive(c.res.Learner) && st.LastEvalTime > s.rs.Remaining() {
			s.logger.Info("learner deactivated: last trial alone exceeds remaining budget",
				log.LearnerNameKey, c.res.Learner,
				log.DurationSecondsKey, st.LastEvalTime,
				log.BudgetElapsedKey, s.rs.ElapsedBudget,
			)
			s.rs.Deactivate(c.res.Learner)
			js.Retire(c.res.Learner)
		}

		if c.res.Failed() {
			s.failures[c.res.Learner]++
			if s.failures[c.res.Learner] >= s.settings.FailureCap {
				s.logger.Warn("learner deactivated after repeated failures",
					log.LearnerNameKey, c.res.Learner, log.RetriesKey, s.failures[c.res.Learner])
				s.rs.Deactivate(c.res.Learner)
				js.Retire(c.res.Learner)
			}
		} else {
			s.failures[c.res.Learner] = 0
		}
	}
}

// shouldEarlyStopConcurrent mirrors shouldEarlyStop for the joint sampler.
func (s *scheduler) shouldEarlyStopConcurrent(js *search.JointSearch) bool {
	if s.rs.BestState() == nil || s.rs.BestFoundAt <= 0 {
		return false
	}
	if s.rs.ElapsedBudget <= s.earlyStopMultiple*s.rs.BestFoundAt {
		return false
	}
	if s.settings.EarlyStop && js.Converged() {
		s.logger.Info("early stop: joint sampler converged and no recent improvement",
			log.BudgetElapsedKey, s.rs.ElapsedBudget,
			log.BestLossKey, s.rs.BestLossGlobal,
		)
		return true
	}
	s.earlyStopMultiple *= 10
	return false
}
