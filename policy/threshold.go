package policy

import (
	"math"

	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/utility"
)

// ThresholdOptions configures the Threshold heuristic.
type ThresholdOptions struct {
	// Discount is the factor by which one more answer is assumed to shrink
	// a variable's uncertainty. Must lie in (0, 1).
	Discount float64
	// Threshold is the uncertainty below which a variable counts as done.
	Threshold float64
}

// DefaultThresholdOptions are tuned for binary labels from a noisy crowd.
var DefaultThresholdOptions = ThresholdOptions{
	Discount:  0.3,
	Threshold: 0.005,
}

// Threshold is a constant-time heuristic: keep enough humans around to push
// the worst variable under the threshold, and ask about any variable that is
// still above it.
type Threshold struct {
	opts ThresholdOptions
}

// NewThreshold creates a Threshold policy.
func NewThreshold(optFns ...func(o *ThresholdOptions)) *Threshold {
	opts := DefaultThresholdOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Threshold{opts: opts}
}

// RequiredHires returns how many more answers it takes, each multiplying the
// uncertainty by discount, to bring uncertainty down to threshold or below.
func RequiredHires(uncertainty, discount, threshold float64) int {
	if uncertainty <= threshold {
		return 0
	}
	if discount <= 0 {
		return 1
	}
	if discount >= 1 {
		return math.MaxInt
	}
	n := 0
	for uncertainty > threshold {
		uncertainty *= discount
		n++
	}
	return n
}

// Uncertainties returns each variable's uncertainty after discounting it
// once per query already in flight on it.
func (p *Threshold) Uncertainties(ep *episode.Episode) []float64 {
	marginals := ep.Marginals()
	out := make([]float64, len(marginals))
	for v, m := range marginals {
		if len(m) == 0 {
			continue
		}
		out[v] = utility.VariableUncertainty(m) * math.Pow(p.opts.Discount, float64(ep.InFlightOn(v)))
	}
	return out
}

// NextMove implements Policy.
func (p *Threshold) NextMove(ep *episode.Episode, _ episode.Utility) (episode.Frame, error) {
	requireTurn(ep)
	moves := ep.LegalMoves()
	unc := p.Uncertainties(ep)

	worst := 0.0
	for _, x := range unc {
		worst = math.Max(worst, x)
	}
	needed := RequiredHires(worst, p.opts.Discount, p.opts.Threshold)
	if needed != math.MaxInt {
		needed = needed - ep.PostingCount() + ep.ExitCount()
	}

	if needed > 0 {
		for _, m := range moves {
			if m.Kind() == episode.KindHumanJobPosting {
				return m, nil
			}
		}
	}
	for _, m := range moves {
		if l, ok := m.(episode.QueryLaunch); ok && unc[l.Variable] > p.opts.Threshold {
			return m, nil
		}
	}
	// moves[0] is Wait when something is outstanding and TurnIn otherwise.
	return moves[0], nil
}

var _ Policy = (*Threshold)(nil)
