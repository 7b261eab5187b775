package automl

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/automl-go/autotune/searchspace"
)

// TrialResult is what one evaluated trial reports back to the scheduler.
type TrialResult struct {
	TrialID     string
	Learner     string
	Config      searchspace.Config
	Loss        float64 // validation loss; NaN or +Inf marks a failed trial
	EvalSeconds float64 // training + prediction seconds reported by the trainer
	SampleSize  int     // rows of training data used
	Model       Model   // nil when the trial produced no model
}

// Failed reports whether the trial produced neither a finite loss nor a model.
func (r TrialResult) Failed() bool {
	return (math.IsNaN(r.Loss) || math.IsInf(r.Loss, 1)) && r.Model == nil
}

// LearnerState is the per-learner mutable search record. All fields are
// maintained by Update; the selection policy and cost model only read them.
type LearnerState struct {
	Name        string
	Learner     Learner
	Space       searchspace.Space
	InitConfigs []searchspace.Config

	BestLoss     float64
	BestLossPrev float64

	TotalTimeUsed float64
	TotalTrials   int

	TimeToBestFound     float64
	TimeToBestFoundPrev float64

	// SampleSize is the rows used by the most recent trial;
	// BestSampleSize the rows used when the current best was found.
	SampleSize     int
	BestSampleSize int

	BestConfig     searchspace.Config
	BestModel      Model
	EvalTimeAtBest float64
	LastEvalTime   float64

	// CostPerSample estimates per-row evaluation seconds, refreshed after
	// every successful trial.
	CostPerSample float64

	// Released counts models this state has released, for leak auditing.
	Released int
}

// newLearnerState creates the state record for one learner family.
func newLearnerState(l Learner) *LearnerState {
	return &LearnerState{
		Name:         l.Name(),
		Learner:      l,
		Space:        l.SearchSpace(),
		InitConfigs:  l.InitConfigs(),
		BestLoss:     math.Inf(1),
		BestLossPrev: math.Inf(1),
	}
}

// Update folds one trial result into the state. timeUsed is the wall-clock
// budget consumed, which may exceed the trainer-reported seconds when
// retries occurred; with an unlimited budget each trial costs one unit so
// iteration accounting stays meaningful. It returns whether the trial
// strictly improved the learner's best.
func (st *LearnerState) Update(res TrialResult, timeUsed float64, unlimitedBudget bool) bool {
	if unlimitedBudget {
		st.TotalTimeUsed++
	} else {
		st.TotalTimeUsed += timeUsed
	}
	st.TotalTrials++
	st.SampleSize = res.SampleSize
	st.LastEvalTime = res.EvalSeconds

	if st.TotalTrials == 1 {
		// Seed value; refined below once a real sample size is known.
		st.CostPerSample = timeUsed
	}
	if res.SampleSize > 0 && res.EvalSeconds > 0 {
		st.CostPerSample = res.EvalSeconds / float64(res.SampleSize)
	}

	// Strict improvement only; NaN never improves.
	improved := !math.IsNaN(res.Loss) && res.Loss < st.BestLoss
	if !improved {
		// Trial models that do not improve the best are not kept.
		if res.Model != nil {
			res.Model.Release()
			st.Released++
		}
		return false
	}

	if math.IsInf(st.BestLoss, 1) {
		// Avoids division by zero in the improvement-speed estimate.
		st.BestLossPrev = 2 * res.Loss
	} else {
		st.BestLossPrev = st.BestLoss
	}
	st.BestLoss = res.Loss
	st.TimeToBestFoundPrev = st.TimeToBestFound
	st.TimeToBestFound = st.TotalTimeUsed

	// Ownership transfer: retain the new handle, release the old one.
	if st.BestModel != nil {
		st.BestModel.Release()
		st.Released++
	}
	st.BestModel = res.Model
	st.BestConfig = res.Config.Clone()
	st.BestSampleSize = res.SampleSize
	st.EvalTimeAtBest = res.EvalSeconds
	return true
}

// ImprovementSpeed is the loss improvement per budget unit of the most
// recent improvement window. Zero when the learner has not improved yet.
func (st *LearnerState) ImprovementSpeed() float64 {
	window := st.TotalTimeUsed - st.TimeToBestFoundPrev
	if window <= 0 || math.IsInf(st.BestLossPrev, 1) {
		return 0
	}
	return (st.BestLossPrev - st.BestLoss) / window
}

// HistoryPoint is one entry of the run's loss curve.
type HistoryPoint struct {
	Elapsed  float64
	Learner  string
	Loss     float64
	BestLoss float64
}

// RunState owns all LearnerStates of one search invocation. It is mutated
// once per scheduling decision, always from a single goroutine; in
// concurrent mode trial execution is parallel but state application is
// serialized through the dispatcher.
type RunState struct {
	RunID string

	ElapsedBudget float64
	TotalBudget   float64 // < 0 means unlimited

	BestLossGlobal  float64
	BestLearnerName string

	// BestFoundAt is the elapsed budget at which the global best was last
	// improved; the early-stop check measures stagnation against it.
	BestFoundAt float64

	states map[string]*LearnerState
	order  []string
	active map[string]bool

	// retrained tracks (learner, sampleSize, configSignature) triples that
	// were already retrained on full data, so retraining is idempotent.
	retrained map[string]bool

	History []HistoryPoint

	// FinalModel is attached by the finalizer; afterwards the RunState is
	// read-only.
	FinalModel Model
}

// newRunState builds the run record over the given learners.
func newRunState(learners []Learner, totalBudget float64) *RunState {
	rs := &RunState{
		RunID:          uuid.NewString(),
		TotalBudget:    totalBudget,
		BestLossGlobal: math.Inf(1),
		states:         make(map[string]*LearnerState, len(learners)),
		active:         make(map[string]bool, len(learners)),
		retrained:      make(map[string]bool),
	}
	for _, l := range learners {
		st := newLearnerState(l)
		rs.states[st.Name] = st
		rs.order = append(rs.order, st.Name)
		rs.active[st.Name] = true
	}
	return rs
}

// Unlimited reports whether the run has no time budget.
func (rs *RunState) Unlimited() bool {
	return rs.TotalBudget < 0
}

// Remaining returns the budget units left, or +Inf when unlimited.
func (rs *RunState) Remaining() float64 {
	if rs.Unlimited() {
		return math.Inf(1)
	}
	return rs.TotalBudget - rs.ElapsedBudget
}

// State returns the learner state for name.
func (rs *RunState) State(name string) *LearnerState {
	return rs.states[name]
}

// ActiveLearners returns the still-eligible learner states in declaration order.
func (rs *RunState) ActiveLearners() []*LearnerState {
	out := make([]*LearnerState, 0, len(rs.order))
	for _, name := range rs.order {
		if rs.active[name] {
			out = append(out, rs.states[name])
		}
	}
	return out
}

// Deactivate removes a learner from selection.
func (rs *RunState) Deactivate(name string) {
	delete(rs.active, name)
}

// IsActive reports whether the learner is still eligible for selection.
func (rs *RunState) IsActive(name string) bool {
	return rs.active[name]
}

// Fold applies one trial result: it charges the budget, updates the
// learner's state, and refreshes the global best. This is the only way
// results enter the RunState, in both scheduling modes.
func (rs *RunState) Fold(res TrialResult, timeUsed float64) bool {
	st, ok := rs.states[res.Learner]
	if !ok {
		return false
	}

	if rs.Unlimited() {
		rs.ElapsedBudget++
	} else {
		rs.ElapsedBudget += timeUsed
	}

	improved := st.Update(res, timeUsed, rs.Unlimited())
	if improved && st.BestLoss < rs.BestLossGlobal {
		rs.BestLossGlobal = st.BestLoss
		rs.BestLearnerName = st.Name
		rs.BestFoundAt = rs.ElapsedBudget
	}

	rs.History = append(rs.History, HistoryPoint{
		Elapsed:  rs.ElapsedBudget,
		Learner:  res.Learner,
		Loss:     res.Loss,
		BestLoss: rs.BestLossGlobal,
	})
	return improved
}

// retrainKey builds the dedup key for full-data retraining.
func retrainKey(learner string, sampleSize int, cfg searchspace.Config) string {
	return fmt.Sprintf("%s|%d|%s", learner, sampleSize, searchspace.Signature(cfg, sampleSize))
}

// MarkRetrained records a retrain and reports whether it was new.
func (rs *RunState) MarkRetrained(learner string, sampleSize int, cfg searchspace.Config) bool {
	key := retrainKey(learner, sampleSize, cfg)
	if rs.retrained[key] {
		return false
	}
	rs.retrained[key] = true
	return true
}

// BestState returns the learner state holding the global best, or nil
// before any success.
func (rs *RunState) BestState() *LearnerState {
	if rs.BestLearnerName == "" {
		return nil
	}
	return rs.states[rs.BestLearnerName]
}

// TotalTrials sums trials across all learners.
func (rs *RunState) TotalTrials() int {
	total := 0
	for _, st := range rs.states {
		total += st.TotalTrials
	}
	return total
}

// LearnerNames returns all learner names in declaration order.
func (rs *RunState) LearnerNames() []string {
	out := make([]string, len(rs.order))
	copy(out, rs.order)
	return out
}

// RankedStates returns all learner states sorted by best loss, ties broken
// by name for determinism.
func (rs *RunState) RankedStates() []*LearnerState {
	out := make([]*LearnerState, 0, len(rs.states))
	for _, name := range rs.order {
		out = append(out, rs.states[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BestLoss != out[j].BestLoss {
			return out[i].BestLoss < out[j].BestLoss
		}
		return out[i].Name < out[j].Name
	})
	return out
}
