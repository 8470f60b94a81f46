package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/logging"
	"github.com/hupe1980/labelmesh/observability"
	"github.com/hupe1980/labelmesh/policy"
	"github.com/hupe1980/labelmesh/record"
	"github.com/hupe1980/labelmesh/utility"
)

// ErrTerminated is returned when PlayGame is handed an episode that already
// turned in.
var ErrTerminated = errors.New("episode already terminated")

// ReplaySource is implemented by human sources that play recorded answers
// faster than real time. The engine then discounts planning time from move
// timestamps, since the replayed delays are compressed but computation is
// not.
type ReplaySource interface {
	ReplaySpeedup() float64
}

// Options configures an Engine.
type Options struct {
	// Policy chooses moves. Defaults to policy.NewThreshold().
	Policy policy.Policy

	// Utility scores episodes for the policy. Defaults to
	// utility.NewUncertaintyWithoutTime().
	Utility episode.Utility

	// Recorder, when set, stores every answer with the time the human took
	// since their previous activity. Ignored for replay sources.
	Recorder record.Store

	// Metrics receives live counters. Nil records nothing.
	Metrics *observability.Metrics

	// Callbacks hook into the live loop.
	Callbacks []Callback

	// Logger defaults to a NoOp logger.
	Logger logging.Logger

	// Clock returns wall-clock time. Defaults to time.Now.
	Clock func() time.Time

	// Episode options used by GetMAP.
	Episode []func(o *episode.Options)
}

// Engine drives live episodes against a human source.
//
// Each PlayGame call runs one loop goroutine that owns the episode: it pushes
// completed external events, asks the policy for a move, pushes it and
// dispatches the side effect. Marketplace callbacks run on their own
// goroutines and only enqueue. An Engine may play several episodes at once.
type Engine struct {
	source    core.HumanSource
	policy    policy.Policy
	utility   episode.Utility
	recorder  record.Store
	metrics   *observability.Metrics
	callbacks *CallbackManager
	logger    logging.Logger
	clock     func() time.Time
	epOpts    []func(o *episode.Options)
	speedup   float64
}

// New creates an engine over source.
func New(source core.HumanSource, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewThreshold()
	}
	if opts.Utility == nil {
		opts.Utility = utility.NewUncertaintyWithoutTime()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		source:    source,
		policy:    opts.Policy,
		utility:   opts.Utility,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		callbacks: NewCallbackManager(),
		logger:    opts.Logger,
		clock:     opts.Clock,
		epOpts:    opts.Episode,
	}
	for _, cb := range opts.Callbacks {
		e.callbacks.RegisterCallback(cb)
	}
	if r, ok := source.(ReplaySource); ok {
		e.speedup = r.ReplaySpeedup()
		e.recorder = nil
	}
	return e
}

// Source returns the human source the engine plays against.
func (e *Engine) Source() core.HumanSource { return e.source }

// Callbacks returns the callback manager for late registration.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// NewEpisode starts an empty episode for task using the engine's episode
// options. Task id and questions, when set, override them. The posting cap
// never exceeds the workers the source reports available for task.
func (e *Engine) NewEpisode(task core.Task) *episode.Episode {
	available := e.source.AvailableHumans(task)
	optFns := append([]func(o *episode.Options){}, e.epOpts...)
	optFns = append(optFns, func(o *episode.Options) {
		if task.ID != "" {
			o.ID = task.ID
		}
		if task.Questions != nil {
			o.Questions = task.Questions
		}
		if available > 0 {
			o.MaxJobPostings = min(o.MaxJobPostings, available)
		}
	})
	return episode.New(task.Model, e.source.SimulatedProvider(), optFns...)
}

// GetMAP plays a fresh episode for task and returns the most likely labels
// once the policy turns in.
func (e *Engine) GetMAP(ctx context.Context, task core.Task) ([]int, error) {
	ep, err := e.PlayGame(ctx, e.NewEpisode(task))
	if err != nil {
		return nil, err
	}
	return ep.MAP(), nil
}

// PlayGame drives ep until the policy turns in and returns it. On error the
// episode is returned as far as it got and every available human is
// released.
func (e *Engine) PlayGame(ctx context.Context, ep *episode.Episode) (*episode.Episode, error) {
	if ep.IsTerminated() {
		return ep, ErrTerminated
	}
	g := &game{
		Engine:   e,
		ctx:      ctx,
		ep:       ep,
		task:     ep.Task(),
		start:    e.clock().Add(-ep.Elapsed()),
		queue:    newQueue(),
		handles:  make(map[episode.Ref]core.HumanHandle),
		activity: make(map[episode.Ref]time.Time),
		name:     policy.Name(e.policy),
	}

	e.logger.Info("episode started", "episode_id", ep.ID(), "policy", g.name, "variables", len(ep.VariableSizes()))
	if err := g.run(); err != nil {
		g.releaseAll()
		_ = e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{Episode: ep, Policy: g.name, Err: err})
		e.logger.Error("episode stopped", "episode_id", ep.ID(), "error", err)
		return ep, err
	}
	e.logger.Info("episode turned in", "episode_id", ep.ID(), "frames", ep.Len(), "elapsed", ep.Elapsed())
	return ep, nil
}

// game is the state of one PlayGame call. Everything but the queue is owned
// by the loop goroutine.
type game struct {
	*Engine
	ctx   context.Context
	ep    *episode.Episode
	task  core.Task
	start time.Time
	queue *queue

	handles  map[episode.Ref]core.HumanHandle
	activity map[episode.Ref]time.Time

	compute time.Duration
	name    string
}

func (g *game) run() error {
	for {
		if err := g.drain(); err != nil {
			return err
		}
		if !g.ep.IsPolicyTurn() {
			// Everything drained was stale; keep waiting.
			if err := g.queue.wait(g.ctx); err != nil {
				return fmt.Errorf("engine: waiting: %w", err)
			}
			continue
		}
		if err := g.callbacks.ExecuteCallbacks(g.ctx, CallbackBeforeDecision, &CallbackContext{Episode: g.ep, Policy: g.name}); err != nil {
			return err
		}

		begin := g.clock()
		move, err := g.policy.NextMove(g.ep, g.utility)
		took := g.clock().Sub(begin)
		g.compute += took
		g.metrics.DecisionTook(g.ctx, g.name, took)
		if err != nil {
			return fmt.Errorf("engine: %s: %w", g.name, err)
		}

		move = episode.WithTime(move, g.moveTime())
		if err := g.push(move); err != nil {
			return err
		}
		g.logDecision(move, took)
		if err := g.callbacks.ExecuteCallbacks(g.ctx, CallbackAfterDecision, &CallbackContext{Episode: g.ep, Frame: move, Policy: g.name, Duration: took}); err != nil {
			return err
		}

		switch m := move.(type) {
		case episode.TurnIn:
			g.releaseAll()
			return nil
		case episode.Wait:
			if err := g.queue.wait(g.ctx); err != nil {
				return fmt.Errorf("engine: waiting: %w", err)
			}
		case episode.QueryLaunch:
			g.launch(episode.Ref(g.ep.Len()-1), m)
		case episode.HumanJobPosting:
			if err := g.post(episode.Ref(g.ep.Len() - 1)); err != nil {
				return err
			}
		case episode.HumanRelease:
			g.release(m.Arrival)
		default:
			panic(fmt.Sprintf("engine: unexpected move %s", move))
		}
	}
}

// now is the wall-clock offset from episode start.
func (g *game) now() time.Duration {
	return g.clock().Sub(g.start)
}

// moveTime stamps a move, discounting planning time against replay sources
// and never going back in time.
func (g *game) moveTime() time.Duration {
	at := g.now()
	if g.speedup > 1 {
		at -= time.Duration(math.Ceil(float64(g.compute) * (1 - 1/g.speedup)))
	}
	return max(at, g.ep.Elapsed())
}

func (g *game) stamp() time.Duration {
	return max(g.now(), g.ep.Elapsed())
}

func (g *game) push(f episode.Frame) error {
	g.ep.Push(f)
	g.metrics.FramePushed(g.ctx, f.Kind().String())
	return g.callbacks.ExecuteCallbacks(g.ctx, CallbackOnFrame, &CallbackContext{Episode: g.ep, Frame: f, Policy: g.name})
}

// drain turns every queued completion into frames.
func (g *game) drain() error {
	for _, it := range g.queue.drain() {
		if err := g.materialize(it); err != nil {
			return err
		}
	}
	return nil
}

func (g *game) materialize(it item) error {
	switch it.kind {
	case itemArrival:
		h := it.handle
		arrival := episode.HumanArrival{
			At:      g.stamp(),
			Posting: it.posting,
			Human:   &core.Human{ErrorModel: h.ErrorModel(), Delay: h.DelayModel()},
		}
		if err := g.push(arrival); err != nil {
			return err
		}
		ref := episode.Ref(g.ep.Len() - 1)
		g.handles[ref] = h
		g.activity[ref] = it.received
		var once atomic.Bool
		h.SetDisconnectedCallback(func() {
			if !once.CompareAndSwap(false, true) {
				g.logger.Warn("human disconnected twice", "episode_id", g.ep.ID(), "human", ref)
				return
			}
			g.queue.push(item{kind: itemDisconnect, arrival: ref, received: g.clock()})
		})
		g.logger.Debug("human arrived", "episode_id", g.ep.ID(), "human", ref)

	case itemResponse, itemFailure:
		if !g.ep.IsInFlight(it.launch) {
			g.logger.Debug("late completion ignored", "episode_id", g.ep.ID(), "launch", it.launch)
			return nil
		}
		at := g.stamp()
		var f episode.Frame = episode.QueryFailure{At: at, Launch: it.launch}
		ok := it.kind == itemResponse
		if ok {
			f = episode.QueryResponse{At: at, Launch: it.launch, Value: it.value}
		}
		launch := g.ep.Launch(it.launch)
		delay := it.received.Sub(g.activity[launch.Arrival])
		g.activity[launch.Arrival] = it.received
		if err := g.push(f); err != nil {
			return err
		}
		g.metrics.QueryResolved(g.ctx, ok)
		g.logQuery(launch, it.value, delay, ok)
		if ok && g.recorder != nil {
			entry := record.Entry{Value: it.value, Delay: delay, Annotator: annotatorID(g.handles[launch.Arrival], launch.Arrival)}
			if err := g.recorder.Record(g.task.ID, launch.Variable, entry); err != nil {
				g.logger.Warn("recording answer failed", "episode_id", g.ep.ID(), "variable", launch.Variable, "error", err)
			}
		}

	case itemDisconnect:
		if g.ep.IsAvailable(it.arrival) {
			if err := g.push(episode.HumanExit{At: g.stamp(), Arrival: it.arrival}); err != nil {
				return err
			}
			g.metrics.HumanExited(g.ctx)
		}
		for _, ref := range g.ep.InFlight() {
			if g.ep.Launch(ref).Arrival != it.arrival {
				continue
			}
			if err := g.push(episode.QueryFailure{At: g.stamp(), Launch: ref}); err != nil {
				return err
			}
			g.metrics.QueryResolved(g.ctx, false)
		}
		g.logger.Info("human disconnected", "episode_id", g.ep.ID(), "human", it.arrival)
	}
	return nil
}

func (g *game) launch(ref episode.Ref, m episode.QueryLaunch) {
	h, ok := g.handles[m.Arrival]
	g.metrics.QueryLaunched(g.ctx, m.Variable)
	g.logger.Debug("query launched", "episode_id", g.ep.ID(), "variable", m.Variable, "human", m.Arrival)

	var once atomic.Bool
	resolve := func(kind itemKind, value int) {
		if !once.CompareAndSwap(false, true) {
			g.logger.Error("query resolved twice", "episode_id", g.ep.ID(), "variable", m.Variable, "human", m.Arrival)
			return
		}
		g.queue.push(item{kind: kind, launch: ref, value: value, received: g.clock()})
	}
	if !ok {
		// The human was hired before this engine took over the episode.
		resolve(itemFailure, 0)
		return
	}
	h.MakeQuery(m.Variable,
		func(value int) { resolve(itemResponse, value) },
		func() { resolve(itemFailure, 0) },
	)
}

func (g *game) post(ref episode.Ref) error {
	g.metrics.JobPosted(g.ctx)
	var once atomic.Bool
	err := g.source.MakeJobPosting(g.ctx, g.task, func(h core.HumanHandle) {
		if !once.CompareAndSwap(false, true) {
			g.logger.Error("job posting answered twice", "episode_id", g.ep.ID(), "posting", ref)
			return
		}
		g.queue.push(item{kind: itemArrival, posting: ref, handle: h, received: g.clock()})
	})
	if err != nil {
		return fmt.Errorf("engine: job posting: %w", err)
	}
	return nil
}

func (g *game) release(arrival episode.Ref) {
	if h, ok := g.handles[arrival]; ok {
		h.Release()
		g.metrics.HumanReleased(g.ctx)
		g.logger.Debug("human released", "episode_id", g.ep.ID(), "human", arrival)
	}
}

func (g *game) releaseAll() {
	for _, ref := range g.ep.AvailableHumans() {
		g.release(ref)
	}
}

type decisionLogger interface {
	LogDecision(policy, move string, elapsed, dur time.Duration)
}

type queryLogger interface {
	LogQuery(variable int, human string, value int, delay time.Duration, success bool)
}

func (g *game) logDecision(move episode.Frame, took time.Duration) {
	if l, ok := g.logger.(decisionLogger); ok {
		l.LogDecision(g.name, move.Kind().String(), g.ep.Elapsed(), took)
		return
	}
	g.logger.Debug("move", "episode_id", g.ep.ID(), "move", move.String(), "took", took)
}

func (g *game) logQuery(launch episode.QueryLaunch, value int, delay time.Duration, ok bool) {
	human := annotatorID(g.handles[launch.Arrival], launch.Arrival)
	if l, isQL := g.logger.(queryLogger); isQL {
		l.LogQuery(launch.Variable, human, value, delay, ok)
		return
	}
	g.logger.Debug("query resolved", "episode_id", g.ep.ID(), "variable", launch.Variable, "human", human, "success", ok)
}

// annotatorID names a human for logs and records: the handle's own id when
// it has one, else the arrival position.
func annotatorID(h core.HumanHandle, ref episode.Ref) string {
	if v, ok := h.(interface{ ID() string }); ok {
		return v.ID()
	}
	return fmt.Sprintf("human-%d", ref)
}
