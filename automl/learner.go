// Package automl implements the budget-constrained search scheduler: it
// decides which learner family to try next, with what configuration and on
// how much data, so the lowest-validation-loss model is found within a
// wall-clock or iteration budget.
package automl

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// Model is an opaque handle to a trained model. Ownership is explicit: a
// model that is not retained as a learner's best must be released so trial
// models never accumulate.
type Model interface {
	// Predict returns predictions for X as an n×1 matrix.
	Predict(X mat.Matrix) (mat.Matrix, error)

	// Release frees the model's resources. Calling Predict after Release
	// is undefined.
	Release()
}

// Learner is the capability contract each candidate training algorithm
// implements. The scheduler only ever talks to learners through it.
type Learner interface {
	// Name identifies the learner family, e.g. "ridge".
	Name() string

	// SearchSpace declares the hyperparameter domains to optimize over.
	SearchSpace() searchspace.Space

	// InitConfigs returns warm-start configurations tried before the
	// proposer is consulted. May be empty.
	InitConfigs() []searchspace.Config

	// Fit trains a model with the given configuration. timeBudget is
	// advisory: trainers are expected to stop themselves (e.g. via a
	// time-limit callback) and return a partial model rather than
	// overrun. It returns the trained model and the training seconds.
	Fit(X mat.Matrix, y *mat.VecDense, cfg searchspace.Config, timeBudget float64) (Model, float64, error)

	// Size estimates the memory footprint of a model trained with cfg,
	// in bytes. Configurations exceeding the memory threshold are
	// rejected before training.
	Size(cfg searchspace.Config) int64

	// CostRelativeToReference is the static a-priori cost multiplier of
	// this family relative to the reference learner (1.0).
	CostRelativeToReference() float64
}

// registry is the closed set of known learner families, built once at
// startup by explicit Register calls.
var registry = struct {
	sync.RWMutex
	factories map[string]func() Learner
}{factories: make(map[string]func() Learner)}

// Register adds a learner family under name. Registering the same name
// twice replaces the factory; custom learners use the same call as the
// built-in ones.
func Register(name string, factory func() Learner) {
	registry.Lock()
	defer registry.Unlock()
	registry.factories[name] = factory
}

// NewLearner instantiates a registered learner family.
func NewLearner(name string) (Learner, error) {
	registry.RLock()
	factory, ok := registry.factories[name]
	registry.RUnlock()
	if !ok {
		return nil, errors.NewValidationError("learner", "not registered", name)
	}
	return factory(), nil
}

// RegisteredLearners returns the registered family names, sorted.
func RegisteredLearners() []string {
	registry.RLock()
	defer registry.RUnlock()

	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
