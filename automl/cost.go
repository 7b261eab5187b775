package automl

import "math"

// DefaultSampleGrowthFactor bounds how much the training sample may grow
// between consecutive trials of one learner.
const DefaultSampleGrowthFactor = 4.0

// CostModel derives "estimated budget units to further improve" for a
// learner from its progress history. All methods are pure reads of
// LearnerState.
type CostModel struct {
	// SampleGrowthFactor caps the progressive-sampling discount.
	SampleGrowthFactor float64

	// FullDataSize is the row count of the complete training set.
	FullDataSize int
}

// NewCostModel builds a cost model for a dataset of fullDataSize rows.
func NewCostModel(fullDataSize int) *CostModel {
	return &CostModel{
		SampleGrowthFactor: DefaultSampleGrowthFactor,
		FullDataSize:       fullDataSize,
	}
}

// EstimatedCostToImprove returns the larger of "time it took to find the
// current best" and "time spent since finding it without improvement". A
// learner that has gone a long time without improving is assumed at least
// as expensive to improve further as the time already spent waiting.
//
// When the learner last ran on a subsample, the estimate is capped by the
// cost of one trial on a grown sample: improving may be as simple as
// training on more rows.
func (cm *CostModel) EstimatedCostToImprove(st *LearnerState) float64 {
	est := math.Max(
		st.TimeToBestFound-st.TimeToBestFoundPrev,
		st.TotalTimeUsed-st.TimeToBestFound,
	)

	if st.SampleSize > 0 && st.SampleSize < cm.FullDataSize && st.EvalTimeAtBest > 0 {
		growth := math.Min(cm.SampleGrowthFactor, float64(cm.FullDataSize)/float64(st.SampleSize))
		if capped := st.EvalTimeAtBest * growth; capped < est {
			est = capped
		}
	}
	return est
}

// SelectionCost is EstimatedCostToImprove inflated by the learner's loss
// gap to the global best: a learner improving slowly relative to its gap
// is penalized. Untried learners get the a-priori family cost instead.
func (cm *CostModel) SelectionCost(st *LearnerState, globalBest float64) float64 {
	if st.TotalTrials == 0 {
		return st.Learner.CostRelativeToReference()
	}

	est := cm.EstimatedCostToImprove(st)
	if est <= 0 {
		est = math.Max(st.LastEvalTime, 1e-10)
	}

	gap := st.BestLoss - globalBest
	if gap > 0 && !math.IsInf(gap, 1) {
		if speed := st.ImprovementSpeed(); speed > 0 {
			est = math.Max(2*gap/speed, est)
		} else {
			// No improvement yet at all relative to its own history; the
			// gap alone says it is behind.
			est = math.Max(2*gap, est)
		}
	}
	return est
}

// EstimatedTrialCost predicts the budget units one trial on sampleSize rows
// would take, from the per-row estimate.
func (cm *CostModel) EstimatedTrialCost(st *LearnerState, sampleSize int) float64 {
	if st.CostPerSample <= 0 {
		return 0
	}
	return st.CostPerSample * float64(sampleSize)
}

// EstimatedRetrainCost predicts a full-data retrain of the learner's best
// configuration.
func (cm *CostModel) EstimatedRetrainCost(st *LearnerState) float64 {
	return cm.EstimatedTrialCost(st, cm.FullDataSize)
}
