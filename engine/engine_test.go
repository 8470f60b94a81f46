package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/factorgraph"
	"github.com/hupe1980/labelmesh/humansource"
	"github.com/hupe1980/labelmesh/observability"
	"github.com/hupe1980/labelmesh/policy"
	"github.com/hupe1980/labelmesh/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type mockHandle struct {
	mock.Mock
}

func (m *mockHandle) MakeQuery(variable int, onResponse func(int), onFailure func()) {
	m.Called(variable, onResponse, onFailure)
}

func (m *mockHandle) ErrorModel() []core.Table { return m.Called().Get(0).([]core.Table) }

func (m *mockHandle) DelayModel() core.Distribution { return m.Called().Get(0).(core.Distribution) }

func (m *mockHandle) Release() { m.Called() }

func (m *mockHandle) SetDisconnectedCallback(fn func()) { m.Called(fn) }

type mockSource struct {
	mock.Mock
	provider core.SimulatedProvider
}

func (m *mockSource) SimulatedProvider() core.SimulatedProvider { return m.provider }

func (m *mockSource) MakeJobPosting(ctx context.Context, task core.Task, onAnswered func(core.HumanHandle)) error {
	return m.Called(ctx, task, onAnswered).Error(0)
}

func (m *mockSource) AvailableHumans(task core.Task) int { return m.Called(task).Int(0) }

func (m *mockSource) Close() error { return m.Called().Error(0) }

// newMockHandle expects the calls every arriving human receives.
func newMockHandle() *mockHandle {
	h := &mockHandle{}
	h.On("ErrorModel").Return([]core.Table{humansource.CorrectnessTable(2, 0.8)})
	h.On("DelayModel").Return(core.Distribution(distribution.Constant{Delay: time.Second}))
	return h
}

// newMockSource reports no worker count, leaving posting caps as configured.
func newMockSource() *mockSource {
	src := &mockSource{provider: humansource.NewAgreementProvider()}
	src.On("AvailableHumans", mock.Anything).Return(0).Maybe()
	return src
}

// answeringSource hands out h synchronously on every posting.
func answeringSource(h core.HumanHandle) *mockSource {
	src := newMockSource()
	src.On("MakeJobPosting", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(func(core.HumanHandle))(h)
		}).
		Return(nil)
	return src
}

func kinds(ep *episode.Episode) []episode.Kind {
	var out []episode.Kind
	for _, f := range ep.Frames() {
		out = append(out, f.Kind())
	}
	return out
}

func nvote(votes int) func(o *Options) {
	return func(o *Options) {
		o.Policy = policy.NewNVote(func(no *policy.NVoteOptions) { no.Votes = votes })
	}
}

func TestEngine_IgnoresDuplicateCompletions(t *testing.T) {
	h := newMockHandle()
	h.On("SetDisconnectedCallback", mock.Anything).Return()
	h.On("MakeQuery", 0, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onResponse := args.Get(1).(func(int))
			onFailure := args.Get(2).(func())
			onResponse(1)
			onResponse(0)
			onFailure()
		}).
		Return()
	h.On("Release").Return()

	eng := New(answeringSource(h), nvote(1), func(o *Options) {
		o.Episode = []func(o *episode.Options){func(o *episode.Options) { o.MaxJobPostings = 1 }}
	})
	ep, err := eng.PlayGame(context.Background(), eng.NewEpisode(core.Task{Model: factorgraph.New(2)}))
	require.NoError(t, err)

	assert.Equal(t, []episode.Kind{
		episode.KindHumanJobPosting,
		episode.KindHumanArrival,
		episode.KindQueryLaunch,
		episode.KindQueryResponse,
		episode.KindHumanRelease,
		episode.KindTurnIn,
	}, kinds(ep))
	assert.Equal(t, 1, ep.Frame(3).(episode.QueryResponse).Value)
	assert.Equal(t, []int{1}, ep.MAP())
	h.AssertNumberOfCalls(t, "Release", 1)
}

func TestEngine_DisconnectFailsInFlightQueries(t *testing.T) {
	h := newMockHandle()
	var disconnect func()
	h.On("SetDisconnectedCallback", mock.Anything).
		Run(func(args mock.Arguments) { disconnect = args.Get(0).(func()) }).
		Return()
	h.On("MakeQuery", 0, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			disconnect()
			disconnect()
			args.Get(2).(func())()
		}).
		Return()

	eng := New(answeringSource(h), nvote(1))
	ep, err := eng.PlayGame(context.Background(), eng.NewEpisode(core.Task{Model: factorgraph.New(2)}))
	require.NoError(t, err)

	assert.Equal(t, []episode.Kind{
		episode.KindHumanJobPosting,
		episode.KindHumanArrival,
		episode.KindQueryLaunch,
		episode.KindHumanExit,
		episode.KindQueryFailure,
		episode.KindTurnIn,
	}, kinds(ep))
	assert.Equal(t, 1, ep.Attempts(0))
	h.AssertNotCalled(t, "Release")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestEngine_NVoteCollectsExactlyNAgainstCrowd(t *testing.T) {
	crowd := humansource.NewCrowd(func(o *humansource.CrowdOptions) {
		o.GroundTruth = []int{1}
		o.Correctness = 1
		o.Speedup = 1000
	})
	store := record.NewInMemoryStore()
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	eng := New(crowd, nvote(3), func(o *Options) {
		o.Recorder = store
		o.Metrics = metrics
		o.Episode = []func(o *episode.Options){func(o *episode.Options) { o.MaxJobPostings = 3 }}
	})
	ep, err := eng.PlayGame(context.Background(), eng.NewEpisode(core.Task{ID: "task-1", Model: factorgraph.New(2)}))
	require.NoError(t, err)

	assert.True(t, ep.IsTerminated())
	assert.Equal(t, 3, ep.Attempts(0))
	assert.Equal(t, 3, ep.Count(episode.KindHumanRelease))
	assert.Equal(t, []int{1}, ep.MAP())

	entries, err := store.Entries("task-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, 1, e.Value)
		assert.NotEmpty(t, e.Annotator)
	}

	got := collect(t, reader)
	assert.Equal(t, int64(ep.Len()), got["labelmesh.frames.pushed"])
	assert.Equal(t, int64(3), got["labelmesh.jobs.posted"])
	assert.Equal(t, int64(3), got["labelmesh.queries.launched"])
	assert.Equal(t, int64(3), got["labelmesh.queries.resolved"])
	assert.Equal(t, int64(0), got["labelmesh.queries.active"])
	assert.Equal(t, int64(3), got["labelmesh.humans.released"])
}

func TestEngine_GetMAPWithDefaultPolicy(t *testing.T) {
	crowd := humansource.NewCrowd(func(o *humansource.CrowdOptions) {
		o.GroundTruth = []int{1, 0}
		o.Correctness = 1
		o.Speedup = 1000
	})
	eng := New(crowd)

	labels, err := eng.GetMAP(context.Background(), core.Task{Model: factorgraph.New(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, labels)
}

func TestEngine_ReplayIsNotRecorded(t *testing.T) {
	store := record.NewInMemoryStore()
	for range 2 {
		require.NoError(t, store.Record("replayed", 0, record.Entry{Value: 1, Delay: 10 * time.Millisecond}))
	}
	replay := humansource.NewReplay(store, func(o *humansource.ReplayOptions) { o.Speedup = 1000 })

	eng := New(replay, nvote(2), func(o *Options) { o.Recorder = store })
	labels, err := eng.GetMAP(context.Background(), core.Task{ID: "replayed", Model: factorgraph.New(2)})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, labels)
	assert.Equal(t, 2, store.Votes("replayed", 0))
}

func TestEngine_SurfacesNoDecision(t *testing.T) {
	exhaustive := policy.NewExhaustive(func(o *policy.ExhaustiveOptions) { o.NodeCap = 1 })
	eng := New(humansource.NewCrowd(), func(o *Options) { o.Policy = exhaustive })

	var seen error
	eng.Callbacks().RegisterCallback(NewFunctionCallback(CallbackOnError, func(_ context.Context, c *CallbackContext) error {
		seen = c.Err
		return nil
	}))

	ep, err := eng.PlayGame(context.Background(), eng.NewEpisode(core.Task{Model: factorgraph.New(2)}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, policy.ErrNoDecision))
	assert.Equal(t, err, seen)
	assert.Equal(t, 0, ep.Len())
}

func TestEngine_WaitHonoursContext(t *testing.T) {
	src := newMockSource()
	src.On("MakeJobPosting", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	eng := New(src, nvote(1))
	ep, err := eng.PlayGame(ctx, eng.NewEpisode(core.Task{Model: factorgraph.New(2)}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, episode.KindWait, ep.Top().Kind())
}

func TestEngine_PostingErrorStopsGame(t *testing.T) {
	src := newMockSource()
	src.On("MakeJobPosting", mock.Anything, mock.Anything, mock.Anything).Return(humansource.ErrNoWorkers)

	eng := New(src, nvote(1))
	_, err := eng.PlayGame(context.Background(), eng.NewEpisode(core.Task{Model: factorgraph.New(2)}))
	assert.True(t, errors.Is(err, humansource.ErrNoWorkers))
}

func TestEngine_NewEpisodeCapsPostingsAtAvailableWorkers(t *testing.T) {
	task := core.Task{Model: factorgraph.New(2)}
	threeCap := func(o *Options) {
		o.Episode = []func(o *episode.Options){func(o *episode.Options) { o.MaxJobPostings = 3 }}
	}

	small := humansource.NewCrowd(func(o *humansource.CrowdOptions) { o.PoolSize = 1 })
	assert.Equal(t, 1, New(small, threeCap).NewEpisode(task).MaxJobPostings())

	large := humansource.NewCrowd(func(o *humansource.CrowdOptions) { o.PoolSize = 10 })
	assert.Equal(t, 3, New(large, threeCap).NewEpisode(task).MaxJobPostings())

	assert.Equal(t, 3, New(newMockSource(), threeCap).NewEpisode(task).MaxJobPostings())
}

func TestEngine_RejectsTerminatedEpisode(t *testing.T) {
	eng := New(humansource.NewCrowd())
	ep := eng.NewEpisode(core.Task{Model: factorgraph.New(2)})
	ep.Push(episode.TurnIn{})

	_, err := eng.PlayGame(context.Background(), ep)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestEngine_MoveTimeDiscountsReplayPlanning(t *testing.T) {
	now := time.Unix(0, 0)
	g := &game{
		Engine: &Engine{clock: func() time.Time { return now }, speedup: 2},
		ep:     episode.New(factorgraph.New(2), humansource.NewAgreementProvider()),
		start:  now,
	}
	now = now.Add(time.Second)
	g.compute = 500 * time.Millisecond

	assert.Equal(t, 750*time.Millisecond, g.moveTime())

	g.compute = 5 * time.Second
	assert.Equal(t, time.Duration(0), g.moveTime())
}

func TestEngine_OnFrameSeesEveryFrame(t *testing.T) {
	crowd := humansource.NewCrowd(func(o *humansource.CrowdOptions) {
		o.GroundTruth = []int{0}
		o.Speedup = 1000
	})
	var frames []episode.Frame
	eng := New(crowd, nvote(2), func(o *Options) {
		o.Callbacks = []Callback{NewFunctionCallback(CallbackOnFrame, func(_ context.Context, c *CallbackContext) error {
			frames = append(frames, c.Frame)
			return nil
		})}
	})

	ep, err := eng.PlayGame(context.Background(), eng.NewEpisode(core.Task{Model: factorgraph.New(2)}))
	require.NoError(t, err)
	assert.Equal(t, ep.Frames(), frames)
}

func TestBudgetCallback(t *testing.T) {
	provider := humansource.NewAgreementProvider()
	ep := episode.New(factorgraph.New(2), provider)
	cb := NewBudgetCallback(time.Second)
	run := func() error {
		return cb.Execute(context.Background(), &CallbackContext{Episode: ep})
	}

	require.NoError(t, run())
	ep.Push(episode.HumanJobPosting{At: 2 * time.Second})
	require.NoError(t, run(), "postings are outstanding")

	ep.Push(episode.HumanArrival{At: 3 * time.Second, Posting: 0, Human: provider.SampleHuman(ep.VariableSizes(), nil)})
	assert.ErrorIs(t, run(), ErrBudgetExceeded)
}

func TestCallbackManager_StopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	var order []string
	cm := NewCallbackManager()
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterDecision, func(context.Context, *CallbackContext) error {
		order = append(order, "first")
		return boom
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterDecision, func(context.Context, *CallbackContext) error {
		order = append(order, "second")
		return nil
	}))

	var lines []string
	cm.RegisterCallback(NewLoggingCallback(CallbackOnFrame, func(msg string) { lines = append(lines, msg) }))

	err := cm.ExecuteCallbacks(context.Background(), CallbackAfterDecision, &CallbackContext{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first"}, order)

	require.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackOnFrame, &CallbackContext{Frame: episode.Wait{}}))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "on_frame")
}
