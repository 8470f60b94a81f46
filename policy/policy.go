// Package policy decides the next move of a labeling episode.
//
// Every Policy is called only on the episode's turn and must hand the
// episode back exactly as it received it: planners explore by pushing and
// popping frames (or by working on clones) but never leave a trace.
package policy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/logging"
)

// ErrNoDecision reports that a planner ran out of budget before it could
// rank the moves. Callers fall back to a cheaper policy or give up on this
// planning attempt.
var ErrNoDecision = errors.New("no decision available")

// Policy chooses the next frame on the episode's turn.
type Policy interface {
	NextMove(ep *episode.Episode, u episode.Utility) (episode.Frame, error)
}

// Func adapts a function to Policy.
type Func func(ep *episode.Episode, u episode.Utility) (episode.Frame, error)

// NextMove implements Policy.
func (f Func) NextMove(ep *episode.Episode, u episode.Utility) (episode.Frame, error) {
	return f(ep, u)
}

func requireTurn(ep *episode.Episode) {
	if !ep.IsPolicyTurn() {
		panic(fmt.Sprintf("policy: called outside the policy's turn (top %s)", ep.Top()))
	}
}

type fallback struct {
	primary, secondary Policy
}

// Fallback returns a policy that asks primary first and defers to secondary
// whenever primary has no decision.
func Fallback(primary, secondary Policy) Policy {
	return &fallback{primary: primary, secondary: secondary}
}

func (f *fallback) NextMove(ep *episode.Episode, u episode.Utility) (episode.Frame, error) {
	move, err := f.primary.NextMove(ep, u)
	if errors.Is(err, ErrNoDecision) {
		return f.secondary.NextMove(ep, u)
	}
	return move, err
}

// Simulate plays ep to completion against its own simulated environment,
// asking p on every policy turn and sampling environment events with rng.
// It returns the utility of the terminated episode, which is left on ep.
func Simulate(ep *episode.Episode, p Policy, u episode.Utility, rng *rand.Rand) (float64, error) {
	for !ep.IsTerminated() {
		if !ep.IsPolicyTurn() {
			ep.Push(ep.SampleNextEvent(rng))
			continue
		}
		move, err := p.NextMove(ep, u)
		if err != nil {
			return 0, fmt.Errorf("simulate: %w", err)
		}
		ep.Push(move)
	}
	return u.Evaluate(ep), nil
}

// Name returns a short name for p, used in logs and metrics.
func Name(p Policy) string {
	switch v := p.(type) {
	case *Exhaustive:
		return "exhaustive"
	case *MCTS:
		return "mcts"
	case *Threshold:
		return "threshold"
	case *NVote:
		return "nvote"
	case *Random:
		return "random"
	case *fallback:
		return Name(v.primary) + "+" + Name(v.secondary)
	default:
		return fmt.Sprintf("%T", p)
	}
}

// searchLogger is implemented by loggers with a dedicated search record,
// such as logging.StructuredLogger.
type searchLogger interface {
	LogSearch(policy string, nodes int, dur time.Duration, err error)
}

func logSearch(logger logging.Logger, policy string, nodes int, dur time.Duration, err error) {
	if l, ok := logger.(searchLogger); ok {
		l.LogSearch(policy, nodes, dur, err)
		return
	}
	if err != nil {
		logger.Warn("search gave no decision", "policy", policy, "nodes", nodes, "duration", dur, "error", err)
		return
	}
	logger.Debug("search completed", "policy", policy, "nodes", nodes, "duration", dur)
}
