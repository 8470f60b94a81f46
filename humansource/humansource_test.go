package humansource

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/factorgraph"
	"github.com/hupe1980/labelmesh/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

func hire(t *testing.T, src core.HumanSource, task core.Task) core.HumanHandle {
	t.Helper()
	ch := make(chan core.HumanHandle, 1)
	require.NoError(t, src.MakeJobPosting(context.Background(), task, func(h core.HumanHandle) { ch <- h }))
	select {
	case h := <-ch:
		return h
	case <-time.After(wait):
		t.Fatal("job posting was never answered")
		return nil
	}
}

type outcome struct {
	value int
	ok    bool
}

func ask(t *testing.T, h core.HumanHandle, v int) outcome {
	t.Helper()
	ch := make(chan outcome, 2)
	h.MakeQuery(v, func(value int) { ch <- outcome{value: value, ok: true} }, func() { ch <- outcome{} })
	select {
	case o := <-ch:
		return o
	case <-time.After(wait):
		t.Fatal("query was never resolved")
		return outcome{}
	}
}

func TestAgreementProvider_CachesPerSizes(t *testing.T) {
	p := NewAgreementProvider()

	a := p.SampleHuman([]int{2, 3}, nil)
	b := p.SampleHuman([]int{2, 3}, nil)
	c := p.SampleHuman([]int{2}, nil)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.True(t, a.CanServe(1))
	assert.Equal(t, DefaultAgreementOptions.Delay, a.Delay)

	tbl := a.ErrorModel[1]
	assert.InDelta(t, math.Log(0.7), tbl.Features[tbl.Index(2, 2)][0], 1e-12)
	assert.InDelta(t, math.Log(0.15), tbl.Features[tbl.Index(2, 0)][0], 1e-12)
}

func TestAgreementProvider_ExplicitWeights(t *testing.T) {
	p := NewAgreementProvider(func(o *AgreementOptions) {
		o.Agree = math.Log(0.8)
		o.Disagree = math.Log(0.2)
	})
	h := p.SampleHuman([]int{2, -1}, nil)

	assert.False(t, h.CanServe(1))
	tbl := h.ErrorModel[0]
	assert.InDelta(t, math.Log(0.2), tbl.Features[tbl.Index(0, 1)][0], 1e-12)
}

func newTask(sizes ...int) core.Task {
	return core.Task{ID: "task-1", Model: factorgraph.New(sizes...)}
}

func fastCrowd(optFns ...func(o *CrowdOptions)) *Crowd {
	return NewCrowd(append([]func(o *CrowdOptions){func(o *CrowdOptions) {
		o.Speedup = 1000
		o.Correctness = 1
		o.GroundTruth = []int{1, 2}
	}}, optFns...)...)
}

func TestCrowd_AnswersWithGroundTruth(t *testing.T) {
	c := fastCrowd()
	task := newTask(2, 3)
	assert.Equal(t, 10, c.AvailableHumans(task))

	h := hire(t, c, task)
	assert.Equal(t, 9, c.AvailableHumans(task))
	assert.Len(t, h.ErrorModel(), 2)

	assert.Equal(t, outcome{value: 1, ok: true}, ask(t, h, 0))
	assert.Equal(t, outcome{value: 2, ok: true}, ask(t, h, 1))
	assert.Equal(t, outcome{}, ask(t, h, 5))
}

func TestCrowd_FailuresReleaseAndDisconnect(t *testing.T) {
	c := fastCrowd(func(o *CrowdOptions) { o.FailureRate = 1 })
	task := newTask(2)

	h := hire(t, c, task)
	assert.Equal(t, outcome{}, ask(t, h, 0))

	disconnected := make(chan struct{})
	h.SetDisconnectedCallback(func() { close(disconnected) })
	h.(*CrowdHandle).Disconnect()
	select {
	case <-disconnected:
	case <-time.After(wait):
		t.Fatal("disconnect callback not invoked")
	}

	h2 := hire(t, c, task)
	h2.Release()
	assert.True(t, h2.(*CrowdHandle).Released())
	assert.Equal(t, outcome{}, ask(t, h2, 0))
}

func TestCrowd_ReleaseReturnsWorkerToPool(t *testing.T) {
	c := fastCrowd(func(o *CrowdOptions) { o.PoolSize = 2 })
	task := newTask(2)

	h := hire(t, c, task)
	gone := hire(t, c, task)
	assert.Equal(t, 0, c.AvailableHumans(task))

	h.Release()
	h.Release()
	assert.Equal(t, 1, c.AvailableHumans(task))

	gone.(*CrowdHandle).Disconnect()
	gone.Release()
	assert.Equal(t, 1, c.AvailableHumans(task))

	hire(t, c, task)
	assert.Equal(t, 0, c.AvailableHumans(task))
}

func TestCrowd_PoolAndClose(t *testing.T) {
	c := fastCrowd(func(o *CrowdOptions) { o.PoolSize = 1 })
	task := newTask(2)

	hire(t, c, task)
	err := c.MakeJobPosting(context.Background(), task, func(core.HumanHandle) {})
	assert.True(t, errors.Is(err, ErrNoWorkers))

	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.MakeJobPosting(context.Background(), task, func(core.HumanHandle) {}), ErrClosed))
	assert.Equal(t, 0, c.AvailableHumans(task))
}

func TestReplay_AnswersFromRecords(t *testing.T) {
	store := record.NewInMemoryStore()
	require.NoError(t, store.Record("task-1", 0, record.Entry{Value: 1, Delay: time.Second}))
	require.NoError(t, store.Record("task-1", 0, record.Entry{Value: 0, Delay: 3 * time.Second}))

	r := NewReplay(store, func(o *ReplayOptions) { o.Speedup = 1000 })
	task := newTask(2)
	assert.Equal(t, 1000.0, r.ReplaySpeedup())
	assert.Equal(t, 2, r.AvailableHumans(task))

	first := hire(t, r, task)
	second := hire(t, r, task)
	third := hire(t, r, task)
	assert.Equal(t, 0, r.AvailableHumans(task))

	assert.Equal(t, outcome{value: 1, ok: true}, ask(t, first, 0))
	assert.Equal(t, outcome{value: 0, ok: true}, ask(t, second, 0))
	assert.Equal(t, outcome{}, ask(t, third, 0))

	// Planning assumes the recorded delays.
	assert.Equal(t, distribution.NewDiscreteSet(time.Second, 3*time.Second), first.DelayModel())
	assert.True(t, r.SimulatedProvider().SampleHuman([]int{2}, nil).CanServe(0))
}
