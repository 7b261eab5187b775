// Package autotune is a budget-constrained hyperparameter search library:
// given a dataset, a set of candidate learner families and a time or
// iteration budget, it decides which learner to try next, with which
// configuration and on how much data, so the lowest-validation-loss model
// is found before the budget runs out.
//
// The entry point is the automl package:
//
//	tuner, err := automl.New(
//	    automl.WithLearnerNames("ridge", "knn", "gbstump"),
//	    automl.WithBudget(60),
//	    automl.WithMetric("rmse"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tuner.Fit(X, y); err != nil {
//	    log.Fatal(err)
//	}
//	pred, err := tuner.Predict(XTest)
//
// Learner families live under learners/ and register themselves on import.
// Search spaces are declared with the searchspace package and can also be
// loaded from YAML. The search and split packages supply the in-process
// configuration proposer and the train/validation providers; ensemble
// stacks the top learners after the search, and visualize renders the
// convergence curve of a finished run.
package autotune
