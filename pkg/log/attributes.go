// Package log defines standard attribute keys for search-scheduler operations.
//
// Using these keys consistently makes run logs filterable: every trial,
// selection decision, and budget update is logged with the same vocabulary.
// The keys follow a hierarchical naming convention (e.g. "learner.name",
// "budget.elapsed") to enable structured log analysis.

package log

// Run and Trial Context
// These attributes identify the search run, the trial, and the learner involved.
const (
	// RunIDKey uniquely identifies one search invocation.
	RunIDKey = "run.id"

	// TrialIDKey uniquely identifies one (configuration, sample size) evaluation.
	TrialIDKey = "trial.id"

	// LearnerNameKey identifies the candidate learner family.
	// Examples: "ridge", "knn", "gbstump"
	LearnerNameKey = "learner.name"

	// OperationKey specifies the scheduler operation being performed.
	// Standard values: "select", "propose", "fit", "evaluate", "retrain", "ensemble"
	OperationKey = "ml.operation"

	// ComponentKey identifies which package is performing the operation.
	// Examples: "automl", "search", "ensemble"
	ComponentKey = "ml.component"

	// SchedulerStateKey records the scheduler state machine phase.
	// Values: "warmstart", "searching", "done"
	SchedulerStateKey = "scheduler.state"
)

// Budget Accounting
// These attributes track wall-clock or iteration budget consumption.
const (
	// BudgetElapsedKey records budget units consumed so far.
	BudgetElapsedKey = "budget.elapsed"

	// BudgetTotalKey records the total budget for the run (-1 means unlimited).
	BudgetTotalKey = "budget.total"

	// BudgetTrialKey records the per-trial time budget handed to the trainer.
	BudgetTrialKey = "budget.trial"

	// EstimatedCostKey records the estimated cost-to-improve for a learner.
	EstimatedCostKey = "cost.estimated"
)

// Data Shape
const (
	// SamplesKey indicates the number of rows in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of columns in the dataset.
	FeaturesKey = "data.features"

	// SampleSizeKey indicates the progressive-sampling subset size of a trial.
	SampleSizeKey = "data.sample_size"
)

// Metrics
const (
	// LossKey records the validation loss of a trial (lower is better).
	LossKey = "metrics.loss"

	// BestLossKey records the best loss seen so far, per learner or globally.
	BestLossKey = "metrics.best_loss"

	// MetricNameKey records which loss function is being minimized.
	MetricNameKey = "metrics.name"

	// DurationSecondsKey records the execution time in seconds.
	DurationSecondsKey = "perf.duration_seconds"

	// TrialsKey records a trial counter.
	TrialsKey = "training.trials"
)

// Error Context
const (
	// ErrorTypeKey categorizes the type of error encountered.
	// Examples: "TrialError", "BudgetError", "EnsembleError"
	ErrorTypeKey = "error.type"

	// RetriesKey records how many stale-retry attempts a learner has consumed.
	RetriesKey = "error.retries"
)

// Standard attribute value constants for scheduler operations.
const (
	OperationSelect   = "select"
	OperationPropose  = "propose"
	OperationFit      = "fit"
	OperationEvaluate = "evaluate"
	OperationRetrain  = "retrain"
	OperationEnsemble = "ensemble"
)
