package core

import (
	"context"
	"math/rand/v2"
	"time"
)

// Distribution samples a non-negative delay.
type Distribution interface {
	Sample(rng *rand.Rand) time.Duration
}

// Human is the model of a single annotator as the planner sees it: one
// pairwise (variable, observation) error table per variable it can answer,
// plus the distribution of its response delay.
//
// A Human is immutable once attached to an episode frame.
type Human struct {
	ErrorModel []Table
	Delay      Distribution
	Metadata   map[string]string
}

// CanServe reports whether the human carries an error model for variable v.
func (h *Human) CanServe(v int) bool {
	return h != nil && v >= 0 && v < len(h.ErrorModel) && len(h.ErrorModel[v].Dims) == 2
}

// SimulatedProvider synthesizes plausible humans for hypothetical rollouts.
type SimulatedProvider interface {
	SampleHuman(sizes []int, rng *rand.Rand) *Human
}

// HumanHandle is a live connection to one hired annotator.
//
// Continuations passed to MakeQuery and SetDisconnectedCallback may be
// invoked from any goroutine. Exactly one of onResponse / onFailure is
// expected per query; callers must tolerate violations.
type HumanHandle interface {
	MakeQuery(variable int, onResponse func(value int), onFailure func())
	ErrorModel() []Table
	DelayModel() Distribution
	Release()
	SetDisconnectedCallback(fn func())
}

// HumanSource is the worker marketplace.
type HumanSource interface {
	// SimulatedProvider returns the sampler used for rollouts against this
	// source's population.
	SimulatedProvider() SimulatedProvider

	// MakeJobPosting asks the marketplace for one annotator. onAnswered is
	// invoked at most once, from any goroutine, when a worker joins.
	MakeJobPosting(ctx context.Context, task Task, onAnswered func(HumanHandle)) error

	// AvailableHumans reports how many workers could currently join task.
	AvailableHumans(task Task) int

	Close() error
}
