package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/logging"
)

// ExhaustiveOptions configures an Exhaustive search.
type ExhaustiveOptions struct {
	// NodeCap bounds the number of expanded nodes. Zero means unbounded.
	// The root's legal moves count toward the cap.
	NodeCap int
	Logger  logging.Logger
}

// DefaultExhaustiveOptions caps the search at one million nodes.
var DefaultExhaustiveOptions = ExhaustiveOptions{
	NodeCap: 1_000_000,
	Logger:  logging.NoOpLogger{},
}

// Exhaustive expands the complete game tree below the current state.
//
// Terminal nodes score the utility; decision nodes take the best child;
// chance nodes average their children weighted by the current marginal for
// response values and uniformly for arrivals and failures. The budget is
// charged whenever a node's children are generated, and exceeding it
// anywhere in the tree aborts the whole search with ErrNoDecision.
type Exhaustive struct {
	opts ExhaustiveOptions
}

// NewExhaustive creates an exhaustive planner.
func NewExhaustive(optFns ...func(o *ExhaustiveOptions)) *Exhaustive {
	opts := DefaultExhaustiveOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Exhaustive{opts: opts}
}

// NextMove implements Policy. Ties go to the move listed first.
func (p *Exhaustive) NextMove(ep *episode.Episode, u episode.Utility) (episode.Frame, error) {
	requireTurn(ep)
	start := time.Now()
	limiter := core.NewNodeLimiter(p.opts.NodeCap)

	moves := ep.LegalMoves()
	if err := limiter.Add(len(moves)); err != nil {
		return nil, p.abort(limiter, start, err)
	}

	var (
		best      episode.Frame
		bestValue = math.Inf(-1)
	)
	for _, m := range moves {
		ep.Push(m)
		v, err := p.value(ep, u, limiter)
		ep.Pop()
		if err != nil {
			return nil, p.abort(limiter, start, err)
		}
		if best == nil || v > bestValue {
			best, bestValue = m, v
		}
	}
	logSearch(p.opts.Logger, "exhaustive", limiter.Count(), time.Since(start), nil)
	p.opts.Logger.Debug("exhaustive decision", "move", best.String(), "value", bestValue)
	return best, nil
}

// Value returns the expected utility of ep under optimal play.
func (p *Exhaustive) Value(ep *episode.Episode, u episode.Utility) (float64, error) {
	v, err := p.value(ep, u, core.NewNodeLimiter(p.opts.NodeCap))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoDecision, err)
	}
	return v, nil
}

func (p *Exhaustive) abort(limiter *core.NodeLimiter, start time.Time, err error) error {
	err = fmt.Errorf("%w: %w", ErrNoDecision, err)
	logSearch(p.opts.Logger, "exhaustive", limiter.Count(), time.Since(start), err)
	return err
}

func (p *Exhaustive) value(ep *episode.Episode, u episode.Utility, limiter *core.NodeLimiter) (float64, error) {
	if ep.IsTerminated() {
		return u.Evaluate(ep), nil
	}

	if ep.IsPolicyTurn() {
		moves := ep.LegalMoves()
		if err := limiter.Add(len(moves)); err != nil {
			return 0, err
		}
		best := math.Inf(-1)
		for _, m := range moves {
			ep.Push(m)
			v, err := p.value(ep, u, limiter)
			ep.Pop()
			if err != nil {
				return 0, err
			}
			best = math.Max(best, v)
		}
		return best, nil
	}

	events := ep.SampleAllPossibleEvents()
	if err := limiter.Add(len(events)); err != nil {
		return 0, err
	}
	marginals := ep.Marginals()
	var sum, total float64
	for _, ev := range events {
		w := episode.ChanceWeight(ep, marginals, ev)
		ep.Push(ev)
		v, err := p.value(ep, u, limiter)
		ep.Pop()
		if err != nil {
			return 0, err
		}
		sum += w * v
		total += w
	}
	if total == 0 {
		return sum, nil
	}
	return sum / total, nil
}

var _ Policy = (*Exhaustive)(nil)
