// Package labelmesh decides, label by label, when to trust a classifier and
// when to pay for a human answer, and runs those decisions against a pool of
// on-demand workers. Most applications interact with this package by:
//  1. Creating a LabelMesh via New() around a human source (a crowd, a replay
//     of past answers, or machine annotators)
//  2. Describing each item to label as a core.Task (a model and questions)
//  3. Calling Label for one task or LabelAll for a batch
//
// The façade delegates the live loop to engine.Engine and builds its policy,
// utility and logger from a config.Config unless they are given directly.
package labelmesh

import (
	"context"
	"fmt"

	"github.com/hupe1980/labelmesh/config"
	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/engine"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/logging"
	"github.com/hupe1980/labelmesh/observability"
	"github.com/hupe1980/labelmesh/policy"
	"github.com/hupe1980/labelmesh/record"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Options configures the LabelMesh instance.
type Options struct {
	// Config supplies the policy, utility, logger and episode defaults that
	// are not set explicitly. Defaults to config.Default().
	Config *config.Config

	// Policy overrides the configured policy.
	Policy policy.Policy

	// Utility overrides the configured utility.
	Utility episode.Utility

	// Recorder stores every live answer. Defaults to an in-memory store.
	Recorder record.Store

	// Prior holds answers from earlier sessions, counted by the nvote policy
	// as votes already cast. It must not be the live Recorder, or answers
	// would be counted twice.
	Prior policy.VoteSource

	// Meter receives orchestrator metrics. Nil uses the global meter
	// provider.
	Meter metric.Meter

	Callbacks []engine.Callback

	// MaxConcurrentGames limits how many episodes LabelAll plays at once.
	// Zero means one game per task.
	MaxConcurrentGames int

	// Logger overrides the configured logger.
	Logger logging.Logger
}

// LabelMesh is the high-level façade over one human source and engine.
type LabelMesh struct {
	opts   Options
	engine *engine.Engine
}

// New creates a LabelMesh playing against source.
func New(source core.HumanSource, optFns ...func(o *Options)) (*LabelMesh, error) {
	opts := Options{
		Config:   config.Default(),
		Recorder: record.NewInMemoryStore(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}

	if opts.Logger == nil {
		logger, err := opts.Config.BuildLogger()
		if err != nil {
			return nil, fmt.Errorf("labelmesh: %w", err)
		}
		opts.Logger = logger.WithComponent("labelmesh")
	}
	if opts.Policy == nil {
		p, err := opts.Config.BuildPolicy(opts.Logger, opts.Prior)
		if err != nil {
			return nil, fmt.Errorf("labelmesh: %w", err)
		}
		opts.Policy = p
	}
	if opts.Utility == nil {
		opts.Utility = opts.Config.BuildUtility()
	}

	metrics, err := observability.New(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("labelmesh: metrics: %w", err)
	}

	e := engine.New(source, func(o *engine.Options) {
		o.Policy = opts.Policy
		o.Utility = opts.Utility
		o.Recorder = opts.Recorder
		o.Metrics = metrics
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger
		o.Episode = []func(o *episode.Options){opts.Config.EpisodeOptions()}
	})

	return &LabelMesh{opts: opts, engine: e}, nil
}

// Engine exposes the underlying engine.
func (m *LabelMesh) Engine() *engine.Engine { return m.engine }

// Recorder returns the answer store, or nil when recording is off.
func (m *LabelMesh) Recorder() record.Store { return m.opts.Recorder }

// NewEpisode starts an empty episode for task.
func (m *LabelMesh) NewEpisode(task core.Task) *episode.Episode { return m.engine.NewEpisode(task) }

// PlayGame drives ep until the policy turns in.
func (m *LabelMesh) PlayGame(ctx context.Context, ep *episode.Episode) (*episode.Episode, error) {
	return m.engine.PlayGame(ctx, ep)
}

// Label plays one episode for task and returns its most likely labels.
func (m *LabelMesh) Label(ctx context.Context, task core.Task) ([]int, error) {
	return m.engine.GetMAP(ctx, task)
}

// LabelAll labels every task, playing up to MaxConcurrentGames episodes at
// once. Labels are returned in task order. The first error cancels the
// remaining games.
func (m *LabelMesh) LabelAll(ctx context.Context, tasks []core.Task) ([][]int, error) {
	labels := make([][]int, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if m.opts.MaxConcurrentGames > 0 {
		g.SetLimit(m.opts.MaxConcurrentGames)
	}
	for i, task := range tasks {
		g.Go(func() error {
			l, err := m.engine.GetMAP(gctx, task)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			labels[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return labels, nil
}

// Close closes the human source.
func (m *LabelMesh) Close() error { return m.engine.Source().Close() }
