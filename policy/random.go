package policy

import (
	"math/rand/v2"
	"sync"

	"github.com/hupe1980/labelmesh/episode"
)

// Random picks uniformly among the legal moves. It is the baseline every
// planner should beat.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a Random policy seeded with seed.
func NewRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NextMove implements Policy.
func (p *Random) NextMove(ep *episode.Episode, _ episode.Utility) (episode.Frame, error) {
	requireTurn(ep)
	moves := ep.LegalMoves()
	p.mu.Lock()
	i := p.rng.IntN(len(moves))
	p.mu.Unlock()
	return moves[i], nil
}

var _ Policy = (*Random)(nil)
