package policy

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/logging"
	"golang.org/x/sync/errgroup"
)

// MCTSOptions configures a Monte-Carlo tree search.
type MCTSOptions struct {
	// Iterations is the total number of rollouts across all workers.
	Iterations int
	// Workers is the number of concurrent rollout goroutines, each owning a
	// clone of the episode.
	Workers int
	// Exploration is the UCT exploration constant.
	Exploration float64
	// Seed makes rollouts reproducible for a fixed worker count of one.
	Seed   uint64
	Logger logging.Logger
}

// DefaultMCTSOptions favor exploitation, matching utilities in [-n, 0].
var DefaultMCTSOptions = MCTSOptions{
	Iterations:  2000,
	Workers:     4,
	Exploration: 0.25,
	Seed:        1,
	Logger:      logging.NoOpLogger{},
}

// MCTS is a parallel UCT search with progressive widening at chance nodes.
//
// Workers share one tree. Child lists are guarded per node; visit counts and
// accumulated utility are lock-free atomics, so the order in which rollouts
// land does not matter. The final decision is the root child with the best
// mean utility, not the best UCT score.
type MCTS struct {
	opts MCTSOptions
}

// NewMCTS creates an MCTS planner.
func NewMCTS(optFns ...func(o *MCTSOptions)) *MCTS {
	opts := DefaultMCTSOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &MCTS{opts: opts}
}

type node struct {
	move episode.Frame

	mu        sync.Mutex
	children  []*node
	untried   []episode.Frame
	expanded  bool
	marginals [][]float64

	visits atomic.Int64
	total  atomic.Uint64 // float64 bits
}

func (n *node) record(v float64) {
	n.visits.Add(1)
	for {
		old := n.total.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if n.total.CompareAndSwap(old, next) {
			return
		}
	}
}

func (n *node) mean() float64 {
	visits := n.visits.Load()
	if visits == 0 {
		return math.Inf(-1)
	}
	return math.Float64frombits(n.total.Load()) / float64(visits)
}

// NextMove implements Policy.
func (p *MCTS) NextMove(ep *episode.Episode, u episode.Utility) (episode.Frame, error) {
	requireTurn(ep)
	moves := ep.LegalMoves()
	if len(moves) == 1 {
		return moves[0], nil
	}

	start := time.Now()
	root := &node{}
	clones := ep.Clone(p.opts.Workers)

	var remaining atomic.Int64
	remaining.Store(int64(p.opts.Iterations))

	var g errgroup.Group
	for i, c := range clones {
		rng := rand.New(rand.NewPCG(p.opts.Seed, uint64(i)))
		g.Go(func() error {
			for remaining.Add(-1) >= 0 {
				p.rollout(root, c, u, rng)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var best *node
	for _, child := range root.children {
		if best == nil || child.mean() > best.mean() {
			best = child
		}
	}
	logSearch(p.opts.Logger, "mcts", int(root.visits.Load()), time.Since(start), nil)
	if best == nil || best.visits.Load() == 0 {
		return moves[0], nil
	}
	return best.move, nil
}

// rollout runs one select/expand/playout/backpropagate cycle on ep, which is
// restored before returning.
func (p *MCTS) rollout(root *node, ep *episode.Episode, u episode.Utility, rng *rand.Rand) {
	path := []*node{root}
	pushed := 0
	n := root
	for !ep.IsTerminated() {
		var (
			child   *node
			created bool
		)
		if ep.IsPolicyTurn() {
			child, created = p.selectMove(n, ep)
		} else {
			child, created = p.selectEvent(n, ep, rng)
		}
		ep.Push(child.move)
		pushed++
		path = append(path, child)
		n = child
		if created {
			break
		}
	}

	for !ep.IsTerminated() {
		if ep.IsPolicyTurn() {
			moves := ep.LegalMoves()
			ep.Push(moves[rng.IntN(len(moves))])
		} else {
			ep.Push(ep.SampleNextEvent(rng))
		}
		pushed++
	}
	result := u.Evaluate(ep)

	for _, visited := range path {
		visited.record(result)
	}
	for ; pushed > 0; pushed-- {
		ep.Pop()
	}
}

// selectMove tries every legal move once, then follows UCT.
func (p *MCTS) selectMove(n *node, ep *episode.Episode) (*node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.expanded {
		n.untried = ep.LegalMoves()
		n.expanded = true
	}
	if len(n.untried) > 0 {
		child := &node{move: n.untried[0]}
		n.untried = n.untried[1:]
		n.children = append(n.children, child)
		return child, true
	}

	logN := math.Log(float64(max(n.visits.Load(), 1)))
	var (
		best  *node
		score = math.Inf(-1)
	)
	for _, c := range n.children {
		visits := c.visits.Load()
		s := math.Inf(1)
		if visits > 0 {
			s = c.mean() + p.opts.Exploration*math.Sqrt(logN/float64(visits))
		}
		if best == nil || s > score {
			best, score = c, s
		}
	}
	return best, false
}

// selectEvent grows a chance node to ceil(sqrt(visits)) sampled children and
// otherwise picks an existing child in proportion to its probability.
func (p *MCTS) selectEvent(n *node, ep *episode.Episode, rng *rand.Rand) (*node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	limit := 1
	if !ep.IsNextEnvironmentEventDeterministic() {
		limit = max(int(math.Ceil(math.Sqrt(float64(n.visits.Load())))), 1)
	}
	if len(n.children) < limit {
		ev := ep.SampleNextEvent(rng)
		for _, c := range n.children {
			if c.move == ev {
				return c, false
			}
		}
		child := &node{move: ev}
		n.children = append(n.children, child)
		return child, true
	}
	if len(n.children) == 1 {
		return n.children[0], false
	}

	if n.marginals == nil {
		n.marginals = ep.Marginals()
	}
	weights := make([]float64, len(n.children))
	var total float64
	for i, c := range n.children {
		weights[i] = episode.ChanceWeight(ep, n.marginals, c.move)
		total += weights[i]
	}
	x := rng.Float64() * total
	for i, w := range weights {
		x -= w
		if x < 0 {
			return n.children[i], false
		}
	}
	return n.children[len(n.children)-1], false
}

var _ Policy = (*MCTS)(nil)
