package humansource

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/distribution"
)

// AgreementTable builds a pairwise (variable, observation) table with a
// single feature: agree on the diagonal, disagree elsewhere. Both are
// log-weights.
func AgreementTable(size int, agree, disagree float64) core.Table {
	tbl := core.NewTable(1, size, size)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			w := disagree
			if i == j {
				w = agree
			}
			tbl.Features[tbl.Index(i, j)][0] = w
		}
	}
	return tbl
}

// CorrectnessTable is AgreementTable for a human who answers correctly with
// probability correctness and spreads the remaining mass uniformly.
func CorrectnessTable(size int, correctness float64) core.Table {
	if size < 2 {
		return AgreementTable(size, 0, 0)
	}
	return AgreementTable(size, math.Log(correctness), math.Log((1-correctness)/float64(size-1)))
}

// AgreementOptions configures an AgreementProvider.
type AgreementOptions struct {
	// Correctness is the probability a simulated human answers correctly.
	// Ignored when Agree and Disagree are both set.
	Correctness float64

	// Agree and Disagree override Correctness with explicit log-weights.
	Agree, Disagree float64

	// Delay is the simulated response delay.
	Delay core.Distribution
}

// DefaultAgreementOptions mirror a moderately reliable crowd worker.
var DefaultAgreementOptions = AgreementOptions{
	Correctness: 0.7,
	Delay:       distribution.Constant{Delay: 2 * time.Second},
}

// AgreementProvider simulates interchangeable humans that agree with the true
// label at a fixed rate. Every call with the same sizes returns the same
// *core.Human, so sampled arrivals are reproducible and compare equal.
type AgreementProvider struct {
	opts  AgreementOptions
	mu    sync.Mutex
	cache map[string]*core.Human
}

// NewAgreementProvider creates a provider with optional overrides.
func NewAgreementProvider(optFns ...func(o *AgreementOptions)) *AgreementProvider {
	opts := DefaultAgreementOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AgreementProvider{opts: opts, cache: make(map[string]*core.Human)}
}

// SampleHuman implements core.SimulatedProvider.
func (p *AgreementProvider) SampleHuman(sizes []int, _ *rand.Rand) *core.Human {
	key := sizesKey(sizes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.cache[key]; ok {
		return h
	}
	h := &core.Human{
		ErrorModel: p.ErrorModel(sizes),
		Delay:      p.opts.Delay,
		Metadata:   map[string]string{"source": "simulated"},
	}
	p.cache[key] = h
	return h
}

// ErrorModel returns one table per variable; invalid variables get an empty
// table, meaning the human cannot be asked about them.
func (p *AgreementProvider) ErrorModel(sizes []int) []core.Table {
	tables := make([]core.Table, len(sizes))
	for v, size := range sizes {
		if size <= 0 {
			continue
		}
		if p.opts.Agree != 0 || p.opts.Disagree != 0 {
			tables[v] = AgreementTable(size, p.opts.Agree, p.opts.Disagree)
		} else {
			tables[v] = CorrectnessTable(size, p.opts.Correctness)
		}
	}
	return tables
}

// Delay returns the configured delay distribution.
func (p *AgreementProvider) Delay() core.Distribution { return p.opts.Delay }

func sizesKey(sizes []int) string {
	var b strings.Builder
	for _, s := range sizes {
		fmt.Fprintf(&b, "%d,", s)
	}
	return b.String()
}

var _ core.SimulatedProvider = (*AgreementProvider)(nil)
