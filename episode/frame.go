package episode

import (
	"fmt"
	"time"

	"github.com/hupe1980/labelmesh/core"
)

// Ref is the handle of a frame: its position on the episode stack. Clones
// replay the identical stack, so a Ref names the same frame in every clone.
type Ref int

// Kind enumerates the frame variants.
type Kind int

const (
	KindHumanJobPosting Kind = iota
	KindHumanArrival
	KindQueryLaunch
	KindQueryResponse
	KindQueryFailure
	KindHumanExit
	KindHumanRelease
	KindWait
	KindTurnIn
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindHumanJobPosting:
		return "HumanJobPosting"
	case KindHumanArrival:
		return "HumanArrival"
	case KindQueryLaunch:
		return "QueryLaunch"
	case KindQueryResponse:
		return "QueryResponse"
	case KindQueryFailure:
		return "QueryFailure"
	case KindHumanExit:
		return "HumanExit"
	case KindHumanRelease:
		return "HumanRelease"
	case KindWait:
		return "Wait"
	case KindTurnIn:
		return "TurnIn"
	default:
		return "Unknown"
	}
}

// Frame is one reversible transition on an episode stack. The set of
// variants is closed; every variant is a comparable value type so frames
// compare structurally with ==.
type Frame interface {
	Kind() Kind
	// Time is the offset from episode start at which the frame happened.
	Time() time.Duration
	// PolicyInitiated is true for moves chosen by a policy and false for
	// events produced by the environment.
	PolicyInitiated() bool
	String() string
	frame()
}

// HumanJobPosting opens a hiring slot.
type HumanJobPosting struct {
	At time.Duration
}

// HumanArrival answers a posting with a hired annotator.
type HumanArrival struct {
	At      time.Duration
	Posting Ref
	Human   *core.Human
}

// QueryLaunch asks an available annotator for a label on Variable.
type QueryLaunch struct {
	At       time.Duration
	Variable int
	Arrival  Ref
}

// QueryResponse resolves a launch with an observed Value.
type QueryResponse struct {
	At     time.Duration
	Launch Ref
	Value  int
}

// QueryFailure resolves a launch without an observation.
type QueryFailure struct {
	At     time.Duration
	Launch Ref
}

// HumanExit records an annotator leaving on their own.
type HumanExit struct {
	At      time.Duration
	Arrival Ref
}

// HumanRelease records the policy letting an annotator go.
type HumanRelease struct {
	At      time.Duration
	Arrival Ref
}

// Wait hands the turn to the environment.
type Wait struct {
	At time.Duration
}

// TurnIn ends the episode.
type TurnIn struct {
	At time.Duration
}

func (HumanJobPosting) Kind() Kind { return KindHumanJobPosting }
func (HumanArrival) Kind() Kind    { return KindHumanArrival }
func (QueryLaunch) Kind() Kind     { return KindQueryLaunch }
func (QueryResponse) Kind() Kind   { return KindQueryResponse }
func (QueryFailure) Kind() Kind    { return KindQueryFailure }
func (HumanExit) Kind() Kind       { return KindHumanExit }
func (HumanRelease) Kind() Kind    { return KindHumanRelease }
func (Wait) Kind() Kind            { return KindWait }
func (TurnIn) Kind() Kind          { return KindTurnIn }

func (f HumanJobPosting) Time() time.Duration { return f.At }
func (f HumanArrival) Time() time.Duration    { return f.At }
func (f QueryLaunch) Time() time.Duration     { return f.At }
func (f QueryResponse) Time() time.Duration   { return f.At }
func (f QueryFailure) Time() time.Duration    { return f.At }
func (f HumanExit) Time() time.Duration       { return f.At }
func (f HumanRelease) Time() time.Duration    { return f.At }
func (f Wait) Time() time.Duration            { return f.At }
func (f TurnIn) Time() time.Duration          { return f.At }

func (HumanJobPosting) PolicyInitiated() bool { return true }
func (HumanArrival) PolicyInitiated() bool    { return false }
func (QueryLaunch) PolicyInitiated() bool     { return true }
func (QueryResponse) PolicyInitiated() bool   { return false }
func (QueryFailure) PolicyInitiated() bool    { return false }
func (HumanExit) PolicyInitiated() bool       { return false }
func (HumanRelease) PolicyInitiated() bool    { return true }
func (Wait) PolicyInitiated() bool            { return true }
func (TurnIn) PolicyInitiated() bool          { return true }

func (f HumanJobPosting) String() string { return fmt.Sprintf("HumanJobPosting@%s", f.At) }
func (f HumanArrival) String() string {
	return fmt.Sprintf("HumanArrival(posting=%d)@%s", f.Posting, f.At)
}
func (f QueryLaunch) String() string {
	return fmt.Sprintf("QueryLaunch(var=%d, human=%d)@%s", f.Variable, f.Arrival, f.At)
}
func (f QueryResponse) String() string {
	return fmt.Sprintf("QueryResponse(launch=%d, value=%d)@%s", f.Launch, f.Value, f.At)
}
func (f QueryFailure) String() string {
	return fmt.Sprintf("QueryFailure(launch=%d)@%s", f.Launch, f.At)
}
func (f HumanExit) String() string    { return fmt.Sprintf("HumanExit(human=%d)@%s", f.Arrival, f.At) }
func (f HumanRelease) String() string { return fmt.Sprintf("HumanRelease(human=%d)@%s", f.Arrival, f.At) }
func (f Wait) String() string         { return fmt.Sprintf("Wait@%s", f.At) }
func (f TurnIn) String() string       { return fmt.Sprintf("TurnIn@%s", f.At) }

func (HumanJobPosting) frame() {}
func (HumanArrival) frame()    {}
func (QueryLaunch) frame()     {}
func (QueryResponse) frame()   {}
func (QueryFailure) frame()    {}
func (HumanExit) frame()       {}
func (HumanRelease) frame()    {}
func (Wait) frame()            {}
func (TurnIn) frame()          {}

// WithTime returns a copy of f stamped with at.
func WithTime(f Frame, at time.Duration) Frame {
	switch v := f.(type) {
	case HumanJobPosting:
		v.At = at
		return v
	case HumanArrival:
		v.At = at
		return v
	case QueryLaunch:
		v.At = at
		return v
	case QueryResponse:
		v.At = at
		return v
	case QueryFailure:
		v.At = at
		return v
	case HumanExit:
		v.At = at
		return v
	case HumanRelease:
		v.At = at
		return v
	case Wait:
		v.At = at
		return v
	case TurnIn:
		v.At = at
		return v
	default:
		panic(fmt.Sprintf("episode: unknown frame %T", f))
	}
}
