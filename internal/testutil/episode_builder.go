package testutil

import (
	"math"
	"time"

	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/factorgraph"
	"github.com/hupe1980/labelmesh/humansource"
)

// EpisodeBuilder constructs toy episodes over independent uniform variables
// with agreement/disagreement humans.
// Example:
//
//	ep := NewEpisodeBuilder(2).Delay(time.Second).MaxJobPostings(3).Build()
type EpisodeBuilder struct {
	sizes    []int
	agree    float64
	disagree float64
	delay    time.Duration
	cap      int
	id       string
}

// NewEpisodeBuilder starts a builder with one variable per size. Defaults
// match the reference toy game: log(0.8)/log(0.2) humans answering after a
// constant 2s, at most two job postings.
func NewEpisodeBuilder(sizes ...int) *EpisodeBuilder {
	return &EpisodeBuilder{
		sizes:    sizes,
		agree:    math.Log(0.8),
		disagree: math.Log(0.2),
		delay:    2 * time.Second,
		cap:      2,
	}
}

// Agreement sets the human log-weights (chainable).
func (b *EpisodeBuilder) Agreement(agree, disagree float64) *EpisodeBuilder {
	b.agree, b.disagree = agree, disagree
	return b
}

// Delay sets the constant human delay (chainable).
func (b *EpisodeBuilder) Delay(d time.Duration) *EpisodeBuilder {
	b.delay = d
	return b
}

// MaxJobPostings sets the posting cap (chainable).
func (b *EpisodeBuilder) MaxJobPostings(n int) *EpisodeBuilder {
	b.cap = n
	return b
}

// ID fixes the episode id (chainable).
func (b *EpisodeBuilder) ID(id string) *EpisodeBuilder {
	b.id = id
	return b
}

// Provider returns the simulated provider Build would use.
func (b *EpisodeBuilder) Provider() *humansource.AgreementProvider {
	return humansource.NewAgreementProvider(func(o *humansource.AgreementOptions) {
		o.Agree = b.agree
		o.Disagree = b.disagree
		o.Delay = distribution.Constant{Delay: b.delay}
	})
}

// Build returns a fresh episode.
func (b *EpisodeBuilder) Build() *episode.Episode {
	return episode.New(factorgraph.New(b.sizes...), b.Provider(), func(o *episode.Options) {
		o.MaxJobPostings = b.cap
		if b.id != "" {
			o.ID = b.id
		}
	})
}

// Hire pushes a job posting and its arrival, returning the arrival ref.
func Hire(ep *episode.Episode) episode.Ref {
	ep.Push(episode.HumanJobPosting{At: ep.Elapsed()})
	posting := episode.Ref(ep.Len() - 1)
	ep.Push(ep.SampleAllPossibleEvents()[0])
	if _, ok := ep.Frame(posting + 1).(episode.HumanArrival); !ok {
		panic("testutil: expected the posting to be answered next")
	}
	return posting + 1
}
