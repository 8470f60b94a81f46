package episode_test

import (
	"math"
	"testing"
	"time"

	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Len          int
	Elapsed      time.Duration
	InFlight     []episode.Ref
	OpenPostings []episode.Ref
	Available    []episode.Ref
	Annotators   [][]episode.Ref
	Postings     int
	Exits        int
	Observations int
	ModelSizes   []int
	Marginals    [][]float64
}

func take(ep *episode.Episode) snapshot {
	s := snapshot{
		Len:          ep.Len(),
		Elapsed:      ep.Elapsed(),
		InFlight:     ep.InFlight(),
		OpenPostings: ep.OpenPostings(),
		Available:    ep.AvailableHumans(),
		Postings:     ep.PostingCount(),
		Exits:        ep.ExitCount(),
		Observations: ep.Observations(),
		ModelSizes:   ep.Model().VariableSizes(),
		Marginals:    ep.Marginals(),
	}
	for v := range ep.VariableSizes() {
		s.Annotators = append(s.Annotators, ep.Annotators(v))
	}
	return s
}

func TestEpisode_LegalMovesAtStart(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2, 3).Build()

	moves := ep.LegalMoves()
	require.Len(t, moves, 2)
	assert.Equal(t, episode.TurnIn{}, moves[0])
	assert.Equal(t, episode.HumanJobPosting{}, moves[1])
	assert.True(t, ep.IsPolicyTurn())
	assert.False(t, ep.IsTerminated())
}

func TestEpisode_LegalMovesOrderAndCap(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2, 2).MaxJobPostings(2).Build()

	a := testutil.Hire(ep)
	b := testutil.Hire(ep)

	moves := ep.LegalMoves()
	// Both postings are answered, yet the cap counts every posting.
	assert.Equal(t, []episode.Frame{
		episode.TurnIn{},
		episode.QueryLaunch{Variable: 0, Arrival: a},
		episode.QueryLaunch{Variable: 0, Arrival: b},
		episode.QueryLaunch{Variable: 1, Arrival: a},
		episode.QueryLaunch{Variable: 1, Arrival: b},
	}, moves)

	ep.Push(episode.QueryLaunch{Variable: 1, Arrival: b})
	moves = ep.LegalMoves()
	assert.Equal(t, episode.Wait{}, moves[0])
	assert.Len(t, moves, 4)
	assert.NotContains(t, moves, episode.QueryLaunch{Variable: 1, Arrival: b})
}

func TestEpisode_QueryResponseAttachesHiddenObservation(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2).Build()
	h := testutil.Hire(ep)

	ep.Push(episode.QueryLaunch{Variable: 0, Arrival: h})
	launch := episode.Ref(ep.Len() - 1)
	ep.Push(episode.Wait{})
	assert.False(t, ep.IsPolicyTurn())
	assert.False(t, ep.IsNextEnvironmentEventDeterministic())

	events := ep.SampleAllPossibleEvents()
	require.Len(t, events, 2)
	assert.Equal(t, episode.QueryResponse{At: 2 * time.Second, Launch: launch, Value: 0}, events[0])
	assert.Equal(t, episode.QueryResponse{At: 2 * time.Second, Launch: launch, Value: 1}, events[1])

	ep.Push(events[1])
	assert.Equal(t, 2*time.Second, ep.Elapsed())
	assert.Equal(t, []int{2, 2}, ep.Model().VariableSizes())

	m := ep.Marginals()
	require.Len(t, m, 1)
	assert.InDelta(t, 0.8, m[0][1], 1e-9)
	assert.Equal(t, []int{1}, ep.MAP())
	assert.Equal(t, 1, ep.Attempts(0))
	assert.Empty(t, ep.Annotators(0))

	moves := ep.LegalMoves()
	assert.Equal(t, []episode.Frame{
		episode.TurnIn{At: 2 * time.Second},
		episode.HumanJobPosting{At: 2 * time.Second},
	}, moves)

	assert.Equal(t, []int{2}, ep.Task().Model.VariableSizes())

	ep.Pop()
	assert.Equal(t, []int{2}, ep.Model().VariableSizes())
	assert.InDelta(t, 0.5, ep.Marginals()[0][1], 1e-12)
	assert.Equal(t, time.Duration(0), ep.Elapsed())
}

func TestEpisode_ExitForcesFailure(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2, 2).Build()
	h := testutil.Hire(ep)
	ep.Push(episode.QueryLaunch{Variable: 0, Arrival: h})
	launch := episode.Ref(ep.Len() - 1)
	ep.Push(episode.HumanExit{Arrival: h})

	assert.Empty(t, ep.AvailableHumans())
	assert.Empty(t, ep.Annotators(1))
	assert.True(t, ep.IsNextEnvironmentEventDeterministic())

	ev := ep.SampleNextEvent(nil)
	assert.Equal(t, episode.QueryFailure{Launch: launch}, ev)
	assert.Equal(t, []episode.Frame{ev}, ep.SampleAllPossibleEvents())

	ep.Push(ev)
	assert.False(t, ep.Outstanding())
	assert.Equal(t, 1, ep.Attempts(0))

	ep.Pop()
	ep.Pop()
	assert.Equal(t, []episode.Ref{h}, ep.Annotators(1))
	assert.Equal(t, []episode.Ref{h}, ep.AvailableHumans())
}

func TestEpisode_OpenPostingIsDeterministic(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2).MaxJobPostings(3).Build()
	ep.Push(episode.HumanJobPosting{})
	ep.Push(episode.HumanJobPosting{})
	ep.Push(episode.Wait{})

	assert.True(t, ep.IsNextEnvironmentEventDeterministic())
	events := ep.SampleAllPossibleEvents()
	require.Len(t, events, 2)
	assert.Equal(t, episode.Ref(0), events[0].(episode.HumanArrival).Posting)
	assert.Equal(t, episode.Ref(1), events[1].(episode.HumanArrival).Posting)

	next := ep.SampleNextEvent(nil)
	assert.Equal(t, events[0], next)
}

func TestEpisode_TurnPredicates(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2).Build()
	assert.True(t, ep.IsPolicyTurn())

	ep.Push(episode.HumanJobPosting{})
	assert.True(t, ep.IsPolicyTurn())
	ep.Push(episode.Wait{})
	assert.False(t, ep.IsPolicyTurn())
	assert.False(t, ep.IsTerminated())
	ep.Pop()
	ep.Pop()

	ep.Push(episode.TurnIn{})
	assert.True(t, ep.IsTerminated())
	assert.False(t, ep.IsPolicyTurn())
}

func TestEpisode_InvariantViolationsPanic(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2).Build()

	assert.Panics(t, func() { ep.Pop() }, "pop on empty stack")
	assert.Panics(t, func() { ep.Push(episode.Wait{}) }, "wait with nothing outstanding")

	ep.Push(episode.HumanJobPosting{At: time.Second})
	assert.Panics(t, func() { ep.Push(episode.TurnIn{At: time.Second}) }, "turn in while outstanding")
	assert.Panics(t, func() { ep.Push(episode.Wait{At: 0}) }, "timestamp regression")
	assert.Panics(t, func() { ep.Push(episode.QueryLaunch{At: time.Second, Variable: 0, Arrival: 0}) }, "launch on a posting")
	ep.Pop()

	ep.Push(episode.TurnIn{})
	assert.Panics(t, func() { ep.Push(episode.HumanJobPosting{}) }, "push after turn in")
	assert.Panics(t, func() { ep.LegalMoves() }, "legal moves after turn in")
}

func TestEpisode_Clone(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2, 2).Build()
	h := testutil.Hire(ep)
	ep.Push(episode.QueryLaunch{Variable: 0, Arrival: h})
	ep.Push(episode.Wait{})
	ep.Push(ep.SampleAllPossibleEvents()[0])
	before := take(ep)

	clones := ep.Clone(3)
	require.Len(t, clones, 3)
	assert.Equal(t, before, take(ep))

	for i, c := range clones {
		assert.Equal(t, ep.Frames(), c.Frames(), "clone %d frames", i)
		assert.Equal(t, before, take(c), "clone %d state", i)
		assert.Equal(t, ep.ID(), c.ID())
		assert.NotSame(t, ep.Model(), c.Model())
		for j, other := range clones {
			if i != j {
				assert.NotSame(t, other.Model(), c.Model())
			}
		}
	}

	// Advancing one clone leaves the original and its siblings untouched.
	clones[0].Push(episode.QueryLaunch{At: 2 * time.Second, Variable: 1, Arrival: h})
	clones[0].Push(episode.Wait{At: 2 * time.Second})
	clones[0].Push(clones[0].SampleAllPossibleEvents()[1])
	assert.Equal(t, before, take(ep))
	assert.Equal(t, before, take(clones[1]))
	assert.Equal(t, 2, clones[0].Observations())
}

func TestEpisode_ResetReturnsToInitialState(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(3).Build()
	initial := take(ep)

	h := testutil.Hire(ep)
	ep.Push(episode.QueryLaunch{Variable: 0, Arrival: h})
	ep.Push(episode.Wait{})
	ep.Push(ep.SampleAllPossibleEvents()[2])
	ep.Push(episode.HumanRelease{At: ep.Elapsed(), Arrival: h})

	ep.Reset()
	assert.Equal(t, initial, take(ep))
}

func TestEpisode_MarginalWeightedEvents(t *testing.T) {
	ep := testutil.NewEpisodeBuilder(2).Agreement(math.Log(0.9), math.Log(0.1)).Build()
	h := testutil.Hire(ep)
	ep.Push(episode.QueryLaunch{Variable: 0, Arrival: h})
	ep.Push(episode.Wait{})
	ep.Push(episode.QueryResponse{At: 2 * time.Second, Launch: 2, Value: 0})
	ep.Push(episode.TurnIn{At: 2 * time.Second})

	m := ep.Marginals()
	assert.InDelta(t, 0.9, m[0][0], 1e-9)
	assert.InDelta(t, 0.9, episode.ChanceWeight(ep, m, episode.QueryResponse{Launch: 2, Value: 0}), 1e-9)
	assert.Equal(t, 1.0, episode.ChanceWeight(ep, m, episode.HumanArrival{}))
}
