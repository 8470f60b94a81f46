package humansource

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/logging"
)

var (
	// ErrClosed is returned by sources that were closed.
	ErrClosed = errors.New("human source closed")
	// ErrNoWorkers is returned when the pool has nobody left to hire.
	ErrNoWorkers = errors.New("no workers available")
)

// CrowdOptions configures a simulated crowd.
type CrowdOptions struct {
	// GroundTruth holds the true value of each variable. Variables without
	// a ground truth are answered uniformly at random.
	GroundTruth []int
	// Correctness is the probability a worker reports the true value.
	Correctness float64
	// Delay is the time a worker takes to answer a query.
	Delay core.Distribution
	// ArrivalDelay is the time until a job posting is answered.
	ArrivalDelay core.Distribution
	// FailureRate is the probability a query bounces.
	FailureRate float64
	// PoolSize bounds the number of workers hired at once. Released workers
	// return to the pool.
	PoolSize int
	// Speedup divides every real sleep, letting tests run in compressed time.
	Speedup float64
	Seed    uint64
	Logger  logging.Logger
}

// DefaultCrowdOptions describe a small, moderately reliable crowd.
var DefaultCrowdOptions = CrowdOptions{
	Correctness:  0.7,
	Delay:        distribution.Constant{Delay: 2 * time.Second},
	ArrivalDelay: distribution.Constant{Delay: 500 * time.Millisecond},
	PoolSize:     10,
	Speedup:      1,
	Seed:         1,
	Logger:       logging.NoOpLogger{},
}

// Crowd is an in-process worker marketplace backed by simulated workers.
type Crowd struct {
	opts     CrowdOptions
	provider *AgreementProvider

	mu     sync.Mutex
	rng    *rand.Rand
	hired  int
	closed bool
}

// NewCrowd creates a simulated crowd.
func NewCrowd(optFns ...func(o *CrowdOptions)) *Crowd {
	opts := DefaultCrowdOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Speedup <= 0 {
		opts.Speedup = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Crowd{
		opts: opts,
		provider: NewAgreementProvider(func(o *AgreementOptions) {
			o.Correctness = opts.Correctness
			o.Delay = opts.Delay
		}),
		rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
	}
}

// SimulatedProvider implements core.HumanSource.
func (c *Crowd) SimulatedProvider() core.SimulatedProvider { return c.provider }

// AvailableHumans implements core.HumanSource.
func (c *Crowd) AvailableHumans(core.Task) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return c.opts.PoolSize - c.hired
}

// MakeJobPosting implements core.HumanSource.
func (c *Crowd) MakeJobPosting(ctx context.Context, task core.Task, onAnswered func(core.HumanHandle)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.hired >= c.opts.PoolSize {
		return fmt.Errorf("%w: pool of %d exhausted", ErrNoWorkers, c.opts.PoolSize)
	}
	c.hired++

	sizes := task.Model.VariableSizes()
	h := &CrowdHandle{
		id:    uuid.NewString(),
		crowd: c,
		sizes: sizes,
		model: c.provider.ErrorModel(sizes),
	}
	time.AfterFunc(c.scale(c.opts.ArrivalDelay.Sample(c.rng)), func() {
		c.opts.Logger.Debug("worker joined", "task_id", task.ID, "worker_id", h.id)
		onAnswered(h)
	})
	return nil
}

func (c *Crowd) rejoin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hired > 0 {
		c.hired--
	}
}

// Close implements core.HumanSource.
func (c *Crowd) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Crowd) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) / c.opts.Speedup)
}

// draw samples the delay, outcome and answer of one query.
func (c *Crowd) draw(v, size int) (time.Duration, bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := c.opts.Delay.Sample(c.rng)
	if c.rng.Float64() < c.opts.FailureRate {
		return delay, false, 0
	}
	if v >= len(c.opts.GroundTruth) || c.opts.GroundTruth[v] < 0 {
		return delay, true, c.rng.IntN(size)
	}
	truth := c.opts.GroundTruth[v]
	if size < 2 || c.rng.Float64() < c.opts.Correctness {
		return delay, true, truth
	}
	wrong := c.rng.IntN(size - 1)
	if wrong >= truth {
		wrong++
	}
	return delay, true, wrong
}

// CrowdHandle is a hired simulated worker.
type CrowdHandle struct {
	id    string
	crowd *Crowd
	sizes []int
	model []core.Table

	mu           sync.Mutex
	released     bool
	disconnected bool
	onDisconnect func()
}

// ID returns the worker id.
func (h *CrowdHandle) ID() string { return h.id }

// MakeQuery implements core.HumanHandle.
func (h *CrowdHandle) MakeQuery(variable int, onResponse func(int), onFailure func()) {
	h.mu.Lock()
	gone := h.released || h.disconnected
	h.mu.Unlock()
	if gone || variable < 0 || variable >= len(h.sizes) || h.sizes[variable] <= 0 {
		go onFailure()
		return
	}

	delay, ok, value := h.crowd.draw(variable, h.sizes[variable])
	time.AfterFunc(h.crowd.scale(delay), func() {
		h.mu.Lock()
		gone := h.disconnected
		h.mu.Unlock()
		if gone || !ok {
			onFailure()
			return
		}
		onResponse(value)
	})
}

// ErrorModel implements core.HumanHandle.
func (h *CrowdHandle) ErrorModel() []core.Table { return h.model }

// DelayModel implements core.HumanHandle.
func (h *CrowdHandle) DelayModel() core.Distribution { return h.crowd.opts.Delay }

// Release implements core.HumanHandle. The worker goes back to the pool
// unless it already left.
func (h *CrowdHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	rejoin := !h.disconnected
	h.mu.Unlock()

	if rejoin {
		h.crowd.rejoin()
	}
}

// Released reports whether Release was called.
func (h *CrowdHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// SetDisconnectedCallback implements core.HumanHandle.
func (h *CrowdHandle) SetDisconnectedCallback(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// Disconnect simulates the worker dropping out.
func (h *CrowdHandle) Disconnect() {
	h.mu.Lock()
	if h.disconnected {
		h.mu.Unlock()
		return
	}
	h.disconnected = true
	fn := h.onDisconnect
	h.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

var (
	_ core.HumanSource = (*Crowd)(nil)
	_ core.HumanHandle = (*CrowdHandle)(nil)
)
