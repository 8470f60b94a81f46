package humansource

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/logging"
	"github.com/hupe1980/labelmesh/record"
)

// ReplayOptions configures a Replay source.
type ReplayOptions struct {
	// Speedup divides every recorded delay before sleeping.
	Speedup float64
	// Correctness is the reliability assumed for recorded workers when
	// planning.
	Correctness float64
	// Provider overrides the simulated provider used for rollouts.
	Provider core.SimulatedProvider
	Logger   logging.Logger
}

// DefaultReplayOptions replay ten times faster than real time.
var DefaultReplayOptions = ReplayOptions{
	Speedup:     10,
	Correctness: 0.7,
	Logger:      logging.NoOpLogger{},
}

// Replay answers queries from previously recorded responses. The i-th worker
// hired for a task answers each variable with the i-th recorded answer for
// it, after the recorded delay divided by Speedup; a worker without a
// recorded answer fails the query.
type Replay struct {
	store    record.Store
	opts     ReplayOptions
	provider core.SimulatedProvider

	mu     sync.Mutex
	jobs   map[string]int
	closed bool
}

// NewReplay creates a replay source over store.
func NewReplay(store record.Store, optFns ...func(o *ReplayOptions)) *Replay {
	opts := DefaultReplayOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Speedup <= 0 {
		opts.Speedup = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	provider := opts.Provider
	if provider == nil {
		delay := DefaultAgreementOptions.Delay
		if d, ok := store.(interface{ Delays() []time.Duration }); ok {
			if recorded := d.Delays(); len(recorded) > 0 {
				delay = distribution.NewDiscreteSet(recorded...)
			}
		}
		provider = NewAgreementProvider(func(o *AgreementOptions) {
			o.Correctness = opts.Correctness
			o.Delay = delay
		})
	}
	return &Replay{store: store, opts: opts, provider: provider, jobs: make(map[string]int)}
}

// ReplaySpeedup reports how much faster than real time the source runs.
func (r *Replay) ReplaySpeedup() float64 { return r.opts.Speedup }

// SimulatedProvider implements core.HumanSource.
func (r *Replay) SimulatedProvider() core.SimulatedProvider { return r.provider }

// AvailableHumans implements core.HumanSource: the number of recorded
// workers for task not hired yet.
func (r *Replay) AvailableHumans(task core.Task) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	recorded := 0
	for v := range task.Model.VariableSizes() {
		recorded = max(recorded, r.store.Votes(task.ID, v))
	}
	return max(recorded-r.jobs[task.ID], 0)
}

// MakeJobPosting implements core.HumanSource. Postings are answered
// immediately.
func (r *Replay) MakeJobPosting(ctx context.Context, task core.Task, onAnswered func(core.HumanHandle)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	index := r.jobs[task.ID]
	r.jobs[task.ID]++
	r.mu.Unlock()

	human := r.provider.SampleHuman(task.Model.VariableSizes(), rand.New(rand.NewPCG(uint64(index), 0)))
	h := &replayHandle{
		id:     uuid.NewString(),
		index:  index,
		taskID: task.ID,
		replay: r,
		human:  human,
	}
	go onAnswered(h)
	return nil
}

// Close implements core.HumanSource.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type replayHandle struct {
	id     string
	index  int
	taskID string
	replay *Replay
	human  *core.Human
}

func (h *replayHandle) MakeQuery(variable int, onResponse func(int), onFailure func()) {
	entries, err := h.replay.store.Entries(h.taskID, variable)
	if err != nil || h.index >= len(entries) {
		h.replay.opts.Logger.Debug("no recorded answer", "task_id", h.taskID, "variable", variable, "worker", h.index)
		go onFailure()
		return
	}
	e := entries[h.index]
	time.AfterFunc(time.Duration(float64(e.Delay)/h.replay.opts.Speedup), func() { onResponse(e.Value) })
}

func (h *replayHandle) ErrorModel() []core.Table { return h.human.ErrorModel }

func (h *replayHandle) DelayModel() core.Distribution { return h.human.Delay }

func (h *replayHandle) Release() {}

func (h *replayHandle) SetDisconnectedCallback(func()) {}

var (
	_ core.HumanSource = (*Replay)(nil)
	_ core.HumanHandle = (*replayHandle)(nil)
)
