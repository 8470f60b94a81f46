// Package distribution provides delay distributions for simulated and
// recorded annotators.
package distribution

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/labelmesh/core"
)

// Constant always returns the same delay.
type Constant struct {
	Delay time.Duration
}

// Sample implements core.Distribution.
func (c Constant) Sample(*rand.Rand) time.Duration { return c.Delay }

func (c Constant) String() string { return fmt.Sprintf("constant(%s)", c.Delay) }

// DiscreteSet picks uniformly among a fixed set of observed delays.
type DiscreteSet struct {
	Values []time.Duration
}

// NewDiscreteSet copies values into a DiscreteSet.
func NewDiscreteSet(values ...time.Duration) DiscreteSet {
	return DiscreteSet{Values: append([]time.Duration(nil), values...)}
}

// Sample implements core.Distribution. An empty set yields zero.
func (d DiscreteSet) Sample(rng *rand.Rand) time.Duration {
	if len(d.Values) == 0 {
		return 0
	}
	return d.Values[rng.IntN(len(d.Values))]
}

func (d DiscreteSet) String() string { return fmt.Sprintf("discrete(%d values)", len(d.Values)) }

// Exponential draws memoryless delays with the given mean.
type Exponential struct {
	Mean time.Duration
}

// Sample implements core.Distribution.
func (e Exponential) Sample(rng *rand.Rand) time.Duration {
	return time.Duration(rng.ExpFloat64() * float64(e.Mean))
}

func (e Exponential) String() string { return fmt.Sprintf("exponential(%s)", e.Mean) }

var (
	_ core.Distribution = Constant{}
	_ core.Distribution = DiscreteSet{}
	_ core.Distribution = Exponential{}
)
