package search

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/automl-go/autotune/pkg/errors"
	"github.com/automl-go/autotune/searchspace"
)

// JointProposal is one pending configuration from the joint sampler,
// annotated with the learner it belongs to.
type JointProposal struct {
	Learner string
	Config  searchspace.Config
}

// JointSearch is the shared sampler used by the concurrent scheduler.
// Concurrent mode optimizes jointly across all learners, so a single
// JointSearch spans every learner's space: each Ask first picks a learner
// dimension, then delegates to that learner's local search.
//
// Ask/Tell are safe for concurrent use, although the dispatcher is expected
// to be the only caller.
type JointSearch struct {
	mu sync.Mutex

	order  []string // deterministic learner iteration order
	locals map[string]*LocalSearch
	routes map[string]string // trialID -> learner
	rng    *rand.Rand
}

// NewJointSearch builds a joint sampler over the given per-learner spaces.
func NewJointSearch(spaces map[string]searchspace.Space, seed uint64) (*JointSearch, error) {
	if len(spaces) == 0 {
		return nil, errors.NewValueError("NewJointSearch", "no learner spaces")
	}

	order := make([]string, 0, len(spaces))
	for name := range spaces {
		order = append(order, name)
	}
	sort.Strings(order)

	locals := make(map[string]*LocalSearch, len(spaces))
	for i, name := range order {
		locals[name] = NewLocalSearch(spaces[name], seed+uint64(i)*1013)
	}

	return &JointSearch{
		order:  order,
		locals: locals,
		routes: make(map[string]string),
		rng:    rand.New(rand.NewPCG(seed, seed*2654435761)),
	}, nil
}

// Ask returns the next joint proposal, or ErrFinished when every learner's
// sub-search has converged.
func (j *JointSearch) Ask(trialID string) (JointProposal, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	active := make([]string, 0, len(j.order))
	for _, name := range j.order {
		if !j.locals[name].Converged() {
			active = append(active, name)
		}
	}
	if len(active) == 0 {
		return JointProposal{}, ErrFinished
	}

	// The learner dimension of the joint space is sampled uniformly; the
	// per-learner walk supplies the rest of the configuration.
	name := active[j.rng.IntN(len(active))]
	cfg, err := j.locals[name].Ask(trialID)
	if err != nil {
		return JointProposal{}, err
	}

	j.routes[trialID] = name
	return JointProposal{Learner: name, Config: cfg}, nil
}

// Tell routes the observation back to the sub-search that proposed it.
func (j *JointSearch) Tell(trialID string, obs Observation) {
	j.mu.Lock()
	defer j.mu.Unlock()

	name, ok := j.routes[trialID]
	if !ok {
		return
	}
	delete(j.routes, trialID)
	j.locals[name].Tell(trialID, obs)
}

// Drop discards a pending proposal without feeding an observation back to
// the sub-search that produced it. Used for proposals that were never
// evaluated, so the walk is not biased by a fabricated loss.
func (j *JointSearch) Drop(trialID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	name, ok := j.routes[trialID]
	if !ok {
		return
	}
	delete(j.routes, trialID)
	j.locals[name].Drop(trialID)
}

// Retire marks a learner's sub-search finished so Ask stops proposing it.
func (j *JointSearch) Retire(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ls, ok := j.locals[name]; ok {
		ls.Finish()
	}
}

// Converged reports whether every learner's sub-search has converged.
func (j *JointSearch) Converged() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, name := range j.order {
		if !j.locals[name].Converged() {
			return false
		}
	}
	return true
}

// LearnerConverged reports convergence of a single learner's sub-search.
func (j *JointSearch) LearnerConverged(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	ls, ok := j.locals[name]
	return ok && ls.Converged()
}
