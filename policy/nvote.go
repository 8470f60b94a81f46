package policy

import (
	"github.com/hupe1980/labelmesh/episode"
)

// VoteSource reports answers already collected for a task outside the
// current episode.
type VoteSource interface {
	Votes(taskID string, variable int) int
}

// NVoteOptions configures the NVote policy.
type NVoteOptions struct {
	// Votes is the number of independent answers wanted per variable.
	Votes int
	// Prior, when set, counts past answers for the episode's task as votes
	// already cast.
	Prior VoteSource
}

// DefaultNVoteOptions asks three humans per variable.
var DefaultNVoteOptions = NVoteOptions{Votes: 3}

// NVote collects a fixed number of answers for every variable, hiring as
// needed, and only then lets idle humans go and turns in. A human answers a
// variable once, so N votes take N hires: NVote posts past the episode's
// posting cap, which only bounds the moves offered to searching planners.
type NVote struct {
	opts NVoteOptions
}

// NewNVote creates an NVote policy.
func NewNVote(optFns ...func(o *NVoteOptions)) *NVote {
	opts := DefaultNVoteOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &NVote{opts: opts}
}

// NextMove implements Policy.
func (p *NVote) NextMove(ep *episode.Episode, _ episode.Utility) (episode.Frame, error) {
	requireTurn(ep)
	at := ep.Elapsed()
	satisfied := true

	for v, size := range ep.VariableSizes() {
		if size <= 0 {
			continue
		}
		have := ep.Attempts(v) + ep.InFlightOn(v)
		if p.opts.Prior != nil {
			have += p.opts.Prior.Votes(ep.ID(), v)
		}
		if have >= p.opts.Votes {
			continue
		}
		satisfied = false

		annotators := ep.Annotators(v)
		if len(annotators) == 0 {
			if len(ep.OpenPostings()) >= p.opts.Votes-have {
				continue
			}
			return episode.HumanJobPosting{At: at}, nil
		}
		for _, a := range annotators {
			if !ep.Busy(a) {
				return episode.QueryLaunch{At: at, Variable: v, Arrival: a}, nil
			}
		}
	}

	if satisfied {
		for _, a := range ep.AvailableHumans() {
			if !ep.Busy(a) {
				return episode.HumanRelease{At: at, Arrival: a}, nil
			}
		}
	}
	if ep.Outstanding() {
		return episode.Wait{At: at}, nil
	}
	return episode.TurnIn{At: at}, nil
}

var _ Policy = (*NVote)(nil)
