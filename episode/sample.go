package episode

import (
	"math/rand/v2"
	"time"
)

// enumerationSeed fixes the timing draws of SampleAllPossibleEvents so that
// enumeration is reproducible.
const enumerationSeed = 42

// IsNextEnvironmentEventDeterministic reports whether the environment's next
// event is forced: a pending query whose human has departed must fail, or an
// open posting must be answered. It is false when the only uncertainty left
// is which in-flight query returns first and with what value.
func (e *Episode) IsNextEnvironmentEventDeterministic() bool {
	if _, ok := e.forcedFailure(); ok {
		return true
	}
	return e.openPostings.len() > 0
}

func (e *Episode) forcedFailure() (Ref, bool) {
	for _, r := range e.inFlight.refs {
		if !e.available.contains(e.Launch(r).Arrival) {
			return r, true
		}
	}
	return 0, false
}

// SampleNextEvent draws one environment event: the oldest forced failure,
// else an arrival answering the oldest open posting, else the earliest of
// the in-flight queries with its value drawn from the current marginal.
func (e *Episode) SampleNextEvent(rng *rand.Rand) Frame {
	if r, ok := e.forcedFailure(); ok {
		return QueryFailure{At: e.elapsed, Launch: r}
	}
	if e.openPostings.len() > 0 {
		return HumanArrival{
			At:      e.elapsed,
			Posting: e.openPostings.refs[0],
			Human:   e.provider.SampleHuman(e.VariableSizes(), rng),
		}
	}
	if e.inFlight.len() == 0 {
		panic("episode: nothing outstanding to sample")
	}

	var (
		first Ref
		at    time.Duration
	)
	for i, r := range e.inFlight.refs {
		t := e.returnTime(r, rng)
		if i == 0 || t < at {
			first, at = r, t
		}
	}
	v := e.Launch(first).Variable
	return QueryResponse{At: at, Launch: first, Value: drawValue(e.Marginals()[v], rng)}
}

// SampleAllPossibleEvents is the branching form of SampleNextEvent used for
// exhaustive enumeration. A forced failure yields a single event; otherwise
// every open posting contributes one arrival; otherwise every value of every
// query tied for the earliest return time is an alternative.
func (e *Episode) SampleAllPossibleEvents() []Frame {
	rng := rand.New(rand.NewPCG(enumerationSeed, enumerationSeed))

	if r, ok := e.forcedFailure(); ok {
		return []Frame{QueryFailure{At: e.elapsed, Launch: r}}
	}
	if e.openPostings.len() > 0 {
		events := make([]Frame, 0, e.openPostings.len())
		for _, p := range e.openPostings.refs {
			events = append(events, HumanArrival{
				At:      e.elapsed,
				Posting: p,
				Human:   e.provider.SampleHuman(e.VariableSizes(), rng),
			})
		}
		return events
	}
	if e.inFlight.len() == 0 {
		panic("episode: nothing outstanding to enumerate")
	}

	times := make([]time.Duration, e.inFlight.len())
	earliest := time.Duration(-1)
	for i, r := range e.inFlight.refs {
		times[i] = e.returnTime(r, rng)
		if earliest < 0 || times[i] < earliest {
			earliest = times[i]
		}
	}
	var events []Frame
	for i, r := range e.inFlight.refs {
		if times[i] != earliest {
			continue
		}
		size := e.sizes[e.Launch(r).Variable]
		for value := 0; value < size; value++ {
			events = append(events, QueryResponse{At: earliest, Launch: r, Value: value})
		}
	}
	return events
}

// ChanceWeight is the unnormalized probability of event among its siblings:
// the current marginal of the response value for a QueryResponse, and 1 for
// any other event. marginals must be the episode's current Marginals.
func ChanceWeight(ep *Episode, marginals [][]float64, event Frame) float64 {
	r, ok := event.(QueryResponse)
	if !ok {
		return 1
	}
	return marginals[ep.Launch(r.Launch).Variable][r.Value]
}

func (e *Episode) returnTime(launch Ref, rng *rand.Rand) time.Duration {
	l := e.Launch(launch)
	t := l.At
	if d := e.Human(l.Arrival).Delay; d != nil {
		t += d.Sample(rng)
	}
	if t < e.elapsed {
		t = e.elapsed
	}
	return t
}

func drawValue(p []float64, rng *rand.Rand) int {
	x := rng.Float64()
	for i, w := range p {
		x -= w
		if x < 0 {
			return i
		}
	}
	return len(p) - 1
}
