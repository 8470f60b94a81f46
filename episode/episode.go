package episode

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/labelmesh/core"
)

// Options configures a new Episode.
type Options struct {
	// ID names the episode. It doubles as the task id handed to the
	// marketplace. Defaults to a random UUID.
	ID string

	// Weights is the parameter vector scored against factor features.
	Weights []float64

	// MaxJobPostings caps how many job postings LegalMoves offers over the
	// whole episode. Counting every posting, not only unanswered ones, keeps
	// the game tree finite. Push does not enforce it.
	MaxJobPostings int

	// Questions renders each variable for human annotators.
	Questions []core.Question
}

// DefaultOptions are applied before any caller supplied option.
var DefaultOptions = Options{
	Weights:        []float64{1},
	MaxJobPostings: 2,
}

// Utility scores an episode, typically a terminated one.
type Utility interface {
	Evaluate(ep *Episode) float64
}

// UtilityFunc adapts a function to Utility.
type UtilityFunc func(ep *Episode) float64

// Evaluate implements Utility.
func (f UtilityFunc) Evaluate(ep *Episode) float64 { return f(ep) }

// effect remembers what a push did beyond bookkeeping the frame itself, so
// pop can undo it exactly.
type effect struct {
	factor    core.FactorID
	obsVar    int
	withdrawn []int
}

// Episode is one reversible play-through of a labeling session.
//
// Every state change goes through Push and is undone by Pop; the derived
// sets below are caches of a pure function of the stack. Invariant
// violations panic. An Episode is not safe for concurrent use; use Clone to
// hand independent copies to concurrent workers.
type Episode struct {
	opts     Options
	model    core.Model
	task     core.Model
	provider core.SimulatedProvider
	sizes    []int

	stack   []Frame
	effects []effect
	elapsed time.Duration

	observations int
	postings     int
	exits        int

	inFlight     refSet
	openPostings refSet
	available    refSet
	annotators   []refSet
}

// New starts an empty episode over model. The model is owned by the episode
// from now on: frames attach observation factors to it while pushed.
// provider supplies synthetic humans when sampling hypothetical arrivals.
func New(model core.Model, provider core.SimulatedProvider, optFns ...func(o *Options)) *Episode {
	opts := DefaultOptions
	opts.Weights = slices.Clone(DefaultOptions.Weights)
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	sizes := model.VariableSizes()
	return &Episode{
		opts:       opts,
		model:      model,
		task:       model.Clone(),
		provider:   provider,
		sizes:      sizes,
		annotators: make([]refSet, len(sizes)),
	}
}

// ID returns the episode id.
func (e *Episode) ID() string { return e.opts.ID }

// Model exposes the underlying inference handle.
func (e *Episode) Model() core.Model { return e.model }

// Weights returns the weight vector.
func (e *Episode) Weights() []float64 { return slices.Clone(e.opts.Weights) }

// VariableSizes returns the cardinalities of the labeled variables; injected
// observation variables are not included.
func (e *Episode) VariableSizes() []int { return slices.Clone(e.sizes) }

// Task describes the episode to a marketplace. Its model is a snapshot taken
// when the episode was created, so it never shows observation variables.
func (e *Episode) Task() core.Task {
	return core.Task{ID: e.opts.ID, Model: e.task, Questions: e.opts.Questions}
}

// MaxJobPostings returns the posting cap.
func (e *Episode) MaxJobPostings() int { return e.opts.MaxJobPostings }

// Provider returns the simulated provider used for rollouts.
func (e *Episode) Provider() core.SimulatedProvider { return e.provider }

// Elapsed is the timestamp of the top frame, or zero.
func (e *Episode) Elapsed() time.Duration { return e.elapsed }

// Len returns the stack depth.
func (e *Episode) Len() int { return len(e.stack) }

// Top returns the most recent frame, or nil on an empty stack.
func (e *Episode) Top() Frame {
	if len(e.stack) == 0 {
		return nil
	}
	return e.stack[len(e.stack)-1]
}

// Frame returns the frame at ref.
func (e *Episode) Frame(ref Ref) Frame { return e.stack[ref] }

// Frames returns a copy of the stack, oldest first.
func (e *Episode) Frames() []Frame { return slices.Clone(e.stack) }

// InFlight lists pending QueryLaunch refs, oldest first.
func (e *Episode) InFlight() []Ref { return e.inFlight.list() }

// OpenPostings lists unanswered HumanJobPosting refs, oldest first.
func (e *Episode) OpenPostings() []Ref { return e.openPostings.list() }

// AvailableHumans lists HumanArrival refs of humans still present.
func (e *Episode) AvailableHumans() []Ref { return e.available.list() }

// Annotators lists the humans that may still be asked about variable v.
func (e *Episode) Annotators(v int) []Ref { return e.annotators[v].list() }

// IsAvailable reports whether the human that arrived at ref is still present.
func (e *Episode) IsAvailable(arrival Ref) bool { return e.available.contains(arrival) }

// IsInFlight reports whether the launch at ref is still pending.
func (e *Episode) IsInFlight(launch Ref) bool { return e.inFlight.contains(launch) }

// PostingCount is the number of job postings on the stack.
func (e *Episode) PostingCount() int { return e.postings }

// ExitCount is the number of HumanExit frames on the stack.
func (e *Episode) ExitCount() int { return e.exits }

// Observations is the number of observation variables currently attached.
func (e *Episode) Observations() int { return e.observations }

// Outstanding reports whether a query or a posting awaits the environment.
func (e *Episode) Outstanding() bool {
	return e.inFlight.len() > 0 || e.openPostings.len() > 0
}

// Launch returns the QueryLaunch frame at ref.
func (e *Episode) Launch(ref Ref) QueryLaunch {
	l, ok := e.stack[ref].(QueryLaunch)
	if !ok {
		panic(fmt.Sprintf("episode: frame %d is %s, not a QueryLaunch", ref, e.stack[ref].Kind()))
	}
	return l
}

// Human returns the human that arrived at ref.
func (e *Episode) Human(arrival Ref) *core.Human {
	a, ok := e.stack[arrival].(HumanArrival)
	if !ok {
		panic(fmt.Sprintf("episode: frame %d is %s, not a HumanArrival", arrival, e.stack[arrival].Kind()))
	}
	return a.Human
}

// InFlightOn counts pending queries about variable v.
func (e *Episode) InFlightOn(v int) int {
	n := 0
	for _, r := range e.inFlight.refs {
		if e.Launch(r).Variable == v {
			n++
		}
	}
	return n
}

// Busy reports whether the human at arrival has a pending query.
func (e *Episode) Busy(arrival Ref) bool {
	for _, r := range e.inFlight.refs {
		if e.Launch(r).Arrival == arrival {
			return true
		}
	}
	return false
}

// Attempts counts the resolved queries (responses and failures) about v.
func (e *Episode) Attempts(v int) int {
	n := 0
	for _, f := range e.stack {
		switch r := f.(type) {
		case QueryResponse:
			if e.Launch(r.Launch).Variable == v {
				n++
			}
		case QueryFailure:
			if e.Launch(r.Launch).Variable == v {
				n++
			}
		}
	}
	return n
}

// Count returns how many frames of kind k are on the stack.
func (e *Episode) Count(k Kind) int {
	n := 0
	for _, f := range e.stack {
		if f.Kind() == k {
			n++
		}
	}
	return n
}

// IsTerminated reports whether the top frame is TurnIn.
func (e *Episode) IsTerminated() bool {
	_, ok := e.Top().(TurnIn)
	return ok
}

// IsPolicyTurn reports whether the policy moves next: the stack is empty or
// its top is neither Wait nor TurnIn.
func (e *Episode) IsPolicyTurn() bool {
	switch e.Top().(type) {
	case Wait, TurnIn:
		return false
	default:
		return true
	}
}

// Push applies f on top of the stack.
func (e *Episode) Push(f Frame) {
	if e.IsTerminated() {
		panic(fmt.Sprintf("episode: push %s onto a terminated episode", f))
	}
	if f.Time() < e.elapsed {
		panic(fmt.Sprintf("episode: %s is earlier than elapsed time %s", f, e.elapsed))
	}
	ref := Ref(len(e.stack))
	var eff effect

	switch v := f.(type) {
	case HumanJobPosting:
		e.openPostings.add(ref)
		e.postings++
	case HumanArrival:
		if _, ok := e.stack[v.Posting].(HumanJobPosting); !ok {
			panic(fmt.Sprintf("episode: %s does not answer a job posting", v))
		}
		e.openPostings.remove(v.Posting)
		e.available.add(ref)
		for i := range e.annotators {
			if e.sizes[i] > 0 && v.Human.CanServe(i) {
				e.annotators[i].add(ref)
			}
		}
	case QueryLaunch:
		if !e.available.contains(v.Arrival) {
			panic(fmt.Sprintf("episode: %s targets an absent human", v))
		}
		e.annotators[v.Variable].remove(v.Arrival)
		e.inFlight.add(ref)
	case QueryResponse:
		launch := e.Launch(v.Launch)
		e.inFlight.remove(v.Launch)
		eff.obsVar = len(e.sizes) + e.observations
		e.observations++
		table := e.Human(launch.Arrival).ErrorModel[launch.Variable]
		eff.factor = e.model.AddFactor(table, []int{launch.Variable, eff.obsVar})
		e.model.Observe(eff.obsVar, v.Value)
	case QueryFailure:
		e.inFlight.remove(v.Launch)
	case HumanExit:
		eff.withdrawn = e.withdraw(v.Arrival)
		e.exits++
	case HumanRelease:
		eff.withdrawn = e.withdraw(v.Arrival)
	case Wait:
		if !e.Outstanding() {
			panic("episode: Wait with nothing outstanding")
		}
	case TurnIn:
		if e.Outstanding() {
			panic("episode: TurnIn while queries or postings are outstanding")
		}
	default:
		panic(fmt.Sprintf("episode: unknown frame %T", f))
	}

	e.stack = append(e.stack, f)
	e.effects = append(e.effects, eff)
	e.elapsed = f.Time()
}

func (e *Episode) withdraw(arrival Ref) []int {
	e.available.remove(arrival)
	var withdrawn []int
	for i := range e.annotators {
		if e.annotators[i].contains(arrival) {
			e.annotators[i].remove(arrival)
			withdrawn = append(withdrawn, i)
		}
	}
	return withdrawn
}

// Pop undoes the top frame and returns it.
func (e *Episode) Pop() Frame {
	if len(e.stack) == 0 {
		panic("episode: pop on an empty stack")
	}
	top := len(e.stack) - 1
	ref := Ref(top)
	f := e.stack[top]
	eff := e.effects[top]

	switch v := f.(type) {
	case HumanJobPosting:
		e.openPostings.remove(ref)
		e.postings--
	case HumanArrival:
		for i := range e.annotators {
			if e.annotators[i].contains(ref) {
				e.annotators[i].remove(ref)
			}
		}
		e.available.remove(ref)
		e.openPostings.add(v.Posting)
	case QueryLaunch:
		e.inFlight.remove(ref)
		e.annotators[v.Variable].add(v.Arrival)
	case QueryResponse:
		e.model.Unobserve(eff.obsVar)
		e.model.RemoveFactor(eff.factor)
		e.observations--
		e.inFlight.add(v.Launch)
	case QueryFailure:
		e.inFlight.add(v.Launch)
	case HumanExit:
		e.restore(v.Arrival, eff.withdrawn)
		e.exits--
	case HumanRelease:
		e.restore(v.Arrival, eff.withdrawn)
	case Wait, TurnIn:
	default:
		panic(fmt.Sprintf("episode: unknown frame %T", f))
	}

	e.stack[top] = nil
	e.stack = e.stack[:top]
	e.effects = e.effects[:top]
	if top > 0 {
		e.elapsed = e.stack[top-1].Time()
	} else {
		e.elapsed = 0
	}
	return f
}

func (e *Episode) restore(arrival Ref, withdrawn []int) {
	e.available.add(arrival)
	for _, i := range withdrawn {
		e.annotators[i].add(arrival)
	}
}

// Reset pops every frame, returning the episode to its initial state.
func (e *Episode) Reset() {
	for len(e.stack) > 0 {
		e.Pop()
	}
}

// LegalMoves lists the policy's options, in this order: TurnIn if nothing is
// outstanding or else Wait, then HumanJobPosting while under the posting
// cap, then one QueryLaunch per (variable, annotator) pair. Every move is
// stamped with the current elapsed time.
func (e *Episode) LegalMoves() []Frame {
	if !e.IsPolicyTurn() {
		panic("episode: legal moves requested outside the policy's turn")
	}
	at := e.elapsed
	moves := make([]Frame, 0, 2+e.available.len()*len(e.sizes))
	if e.Outstanding() {
		moves = append(moves, Wait{At: at})
	} else {
		moves = append(moves, TurnIn{At: at})
	}
	if e.postings < e.opts.MaxJobPostings {
		moves = append(moves, HumanJobPosting{At: at})
	}
	for v := range e.annotators {
		for _, a := range e.annotators[v].refs {
			moves = append(moves, QueryLaunch{At: at, Variable: v, Arrival: a})
		}
	}
	return moves
}

// Marginals returns the current per-variable distributions of the labeled
// variables.
func (e *Episode) Marginals() [][]float64 {
	m := e.model.Marginals(e.opts.Weights)
	return m[:len(e.sizes)]
}

// MAP returns the current best assignment of the labeled variables.
func (e *Episode) MAP() []int {
	m := e.model.MAP(e.opts.Weights)
	return m[:len(e.sizes)]
}

// Clone returns n independent episodes in the same frame-history state. Each
// clone owns its own copy of the model; frames are immutable values and are
// shared. The receiver is left unchanged.
func (e *Episode) Clone(n int) []*Episode {
	frames := slices.Clone(e.stack)
	e.Reset()

	clones := make([]*Episode, n)
	for i := range clones {
		opts := e.opts
		opts.Weights = slices.Clone(e.opts.Weights)
		c := &Episode{
			opts:       opts,
			model:      e.model.Clone(),
			task:       e.task,
			provider:   e.provider,
			sizes:      slices.Clone(e.sizes),
			annotators: make([]refSet, len(e.sizes)),
		}
		for _, f := range frames {
			c.Push(f)
		}
		clones[i] = c
	}

	for _, f := range frames {
		e.Push(f)
	}
	return clones
}
