// Package utility scores episodes. Utilities trade the remaining label
// uncertainty against what was spent getting there.
package utility

import (
	"github.com/hupe1980/labelmesh/episode"
)

// Options configures an Uncertainty utility.
type Options struct {
	// QueryCost is charged for every QueryLaunch on the stack.
	QueryCost float64
	// JobPostingCost is charged for every HumanJobPosting on the stack.
	JobPostingCost float64
	// TimeCostPerSecond is charged per second of elapsed episode time.
	TimeCostPerSecond float64
}

// DefaultOptions charges queries and elapsed time but not hiring.
var DefaultOptions = Options{
	QueryCost:         0.01,
	JobPostingCost:    0,
	TimeCostPerSecond: 0.001,
}

// Uncertainty scores an episode as
//
//	-(sum over variables of (1 - max marginal) + costs)
//
// Higher is better; a perfectly certain, free episode scores zero.
type Uncertainty struct {
	opts Options
}

// NewUncertainty creates a time-aware uncertainty utility.
func NewUncertainty(optFns ...func(o *Options)) *Uncertainty {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Uncertainty{opts: opts}
}

// NewUncertaintyWithoutTime creates an uncertainty utility that ignores how
// long the episode took.
func NewUncertaintyWithoutTime(optFns ...func(o *Options)) *Uncertainty {
	return NewUncertainty(append([]func(o *Options){func(o *Options) { o.TimeCostPerSecond = 0 }}, optFns...)...)
}

// Options returns the effective configuration.
func (u *Uncertainty) Options() Options { return u.opts }

// Evaluate implements episode.Utility.
func (u *Uncertainty) Evaluate(ep *episode.Episode) float64 {
	cost := u.opts.QueryCost*float64(ep.Count(episode.KindQueryLaunch)) +
		u.opts.JobPostingCost*float64(ep.PostingCount()) +
		u.opts.TimeCostPerSecond*ep.Elapsed().Seconds()
	return -(TotalUncertainty(ep.Marginals()) + cost)
}

// TotalUncertainty sums 1 - max(p) over every variable with a distribution.
func TotalUncertainty(marginals [][]float64) float64 {
	var sum float64
	for _, m := range marginals {
		if len(m) == 0 {
			continue
		}
		sum += VariableUncertainty(m)
	}
	return sum
}

// VariableUncertainty is 1 - max(p).
func VariableUncertainty(p []float64) float64 {
	best := 0.0
	for _, x := range p {
		if x > best {
			best = x
		}
	}
	return 1 - best
}

var _ episode.Utility = (*Uncertainty)(nil)
