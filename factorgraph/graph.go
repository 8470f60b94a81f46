// Package factorgraph implements core.Model by exact enumeration over a small
// log-linear factor graph. Cost grows with the product of the unobserved
// variable cardinalities, so it is meant for toy models, tests and demos; real
// deployments plug their own inference engine in behind core.Model.
package factorgraph

import (
	"fmt"
	"math"

	"github.com/hupe1980/labelmesh/core"
)

type factor struct {
	table core.Table
	vars  []int
}

// Graph is an exact-inference factor graph.
type Graph struct {
	base     int
	sizes    []int
	factors  map[core.FactorID]factor
	order    []core.FactorID
	next     core.FactorID
	observed map[int]int
}

// New creates a graph with one variable per entry of sizes. Variables with a
// non-positive size are carried along but never enumerated.
func New(sizes ...int) *Graph {
	return &Graph{
		base:     len(sizes),
		sizes:    append([]int(nil), sizes...),
		factors:  make(map[core.FactorID]factor),
		observed: make(map[int]int),
	}
}

// VariableSizes implements core.Model.
func (g *Graph) VariableSizes() []int {
	return append([]int(nil), g.sizes...)
}

// AddFactor implements core.Model.
func (g *Graph) AddFactor(table core.Table, variables []int) core.FactorID {
	if len(variables) != len(table.Dims) {
		panic(fmt.Sprintf("factorgraph: table arity %d does not match %d variables", len(table.Dims), len(variables)))
	}
	if len(table.Features) != table.Size() {
		panic(fmt.Sprintf("factorgraph: table has %d rows, want %d", len(table.Features), table.Size()))
	}
	for i, v := range variables {
		for v >= len(g.sizes) {
			g.sizes = append(g.sizes, 0)
		}
		switch {
		case g.sizes[v] == 0 && v >= g.base:
			g.sizes[v] = table.Dims[i]
		case g.sizes[v] != table.Dims[i]:
			panic(fmt.Sprintf("factorgraph: variable %d has size %d, factor expects %d", v, g.sizes[v], table.Dims[i]))
		}
	}
	id := g.next
	g.next++
	g.factors[id] = factor{table: table, vars: append([]int(nil), variables...)}
	g.order = append(g.order, id)
	return id
}

// RemoveFactor implements core.Model.
func (g *Graph) RemoveFactor(id core.FactorID) {
	if _, ok := g.factors[id]; !ok {
		panic(fmt.Sprintf("factorgraph: unknown factor %d", id))
	}
	delete(g.factors, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.trim()
}

// Observe implements core.Model.
func (g *Graph) Observe(variable, value int) {
	if variable < 0 || variable >= len(g.sizes) || value < 0 || value >= g.sizes[variable] {
		panic(fmt.Sprintf("factorgraph: cannot observe variable %d = %d", variable, value))
	}
	g.observed[variable] = value
}

// Unobserve implements core.Model.
func (g *Graph) Unobserve(variable int) {
	delete(g.observed, variable)
	g.trim()
}

// trim drops trailing auxiliary variables nothing refers to any more.
func (g *Graph) trim() {
	for len(g.sizes) > g.base {
		last := len(g.sizes) - 1
		if _, ok := g.observed[last]; ok || g.referenced(last) {
			return
		}
		g.sizes = g.sizes[:last]
	}
}

func (g *Graph) referenced(v int) bool {
	for _, f := range g.factors {
		for _, fv := range f.vars {
			if fv == v {
				return true
			}
		}
	}
	return false
}

// Clone implements core.Model. Tables are shared; they are never mutated.
func (g *Graph) Clone() core.Model {
	c := &Graph{
		base:     g.base,
		sizes:    append([]int(nil), g.sizes...),
		factors:  make(map[core.FactorID]factor, len(g.factors)),
		order:    append([]core.FactorID(nil), g.order...),
		next:     g.next,
		observed: make(map[int]int, len(g.observed)),
	}
	for id, f := range g.factors {
		c.factors[id] = f
	}
	for v, val := range g.observed {
		c.observed[v] = val
	}
	return c
}

// Marginals implements core.Model.
func (g *Graph) Marginals(weights []float64) [][]float64 {
	var scores []float64
	var assignments [][]int
	g.enumerate(weights, func(assignment []int, score float64) {
		scores = append(scores, score)
		assignments = append(assignments, append([]int(nil), assignment...))
	})

	maxScore := math.Inf(-1)
	for _, s := range scores {
		maxScore = math.Max(maxScore, s)
	}

	out := make([][]float64, len(g.sizes))
	for v, size := range g.sizes {
		if size > 0 {
			out[v] = make([]float64, size)
		}
	}
	var z float64
	for i, s := range scores {
		p := math.Exp(s - maxScore)
		z += p
		for v, val := range assignments[i] {
			if out[v] != nil {
				out[v][val] += p
			}
		}
	}
	for _, m := range out {
		for i := range m {
			m[i] /= z
		}
	}
	return out
}

// MAP implements core.Model. Ties resolve to the first assignment in
// enumeration order.
func (g *Graph) MAP(weights []float64) []int {
	best := math.Inf(-1)
	var arg []int
	g.enumerate(weights, func(assignment []int, score float64) {
		if arg == nil || score > best {
			best = score
			arg = append(arg[:0], assignment...)
		}
	})
	return arg
}

// enumerate visits every joint assignment consistent with the observations.
func (g *Graph) enumerate(weights []float64, visit func(assignment []int, score float64)) {
	assignment := make([]int, len(g.sizes))
	var free []int
	for v, size := range g.sizes {
		if val, ok := g.observed[v]; ok {
			assignment[v] = val
			continue
		}
		if size > 0 {
			free = append(free, v)
		}
	}

	idx := make([]int, 0, 4)
	for {
		var score float64
		for _, id := range g.order {
			f := g.factors[id]
			idx = idx[:0]
			for _, fv := range f.vars {
				idx = append(idx, assignment[fv])
			}
			score += f.table.LogPotential(f.table.Index(idx...), weights)
		}
		visit(assignment, score)

		// Odometer over the free variables, last one fastest.
		i := len(free) - 1
		for ; i >= 0; i-- {
			v := free[i]
			assignment[v]++
			if assignment[v] < g.sizes[v] {
				break
			}
			assignment[v] = 0
		}
		if i < 0 {
			return
		}
	}
}

var _ core.Model = (*Graph)(nil)
