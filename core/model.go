package core

import "fmt"

// FactorID identifies a factor attached to a Model. IDs are only meaningful
// for the Model (or clone lineage) that issued them.
type FactorID int

// Table is a log-linear factor over an ordered list of variables.
//
// Dims holds the cardinality of every variable the factor touches. Features
// holds one feature vector per joint assignment in row-major order (the last
// variable varies fastest). The log-potential of an assignment is the dot
// product of its feature vector with the model weights.
type Table struct {
	Dims     []int
	Features [][]float64
}

// NewTable allocates a zero-feature table for the given dimensions with
// width features per assignment.
func NewTable(width int, dims ...int) Table {
	size := 1
	for _, d := range dims {
		size *= d
	}
	features := make([][]float64, size)
	for i := range features {
		features[i] = make([]float64, width)
	}
	return Table{Dims: append([]int(nil), dims...), Features: features}
}

// Size returns the number of joint assignments covered by the table.
func (t Table) Size() int {
	if len(t.Dims) == 0 {
		return 0
	}
	size := 1
	for _, d := range t.Dims {
		size *= d
	}
	return size
}

// Index maps a joint assignment to its row in Features.
func (t Table) Index(assignment ...int) int {
	if len(assignment) != len(t.Dims) {
		panic(fmt.Sprintf("core: table of arity %d indexed with %d values", len(t.Dims), len(assignment)))
	}
	idx := 0
	for i, v := range assignment {
		if v < 0 || v >= t.Dims[i] {
			panic(fmt.Sprintf("core: value %d out of range for dimension %d (size %d)", v, i, t.Dims[i]))
		}
		idx = idx*t.Dims[i] + v
	}
	return idx
}

// LogPotential scores row idx against weights. Features beyond the weight
// vector (or weights beyond the features) are ignored.
func (t Table) LogPotential(idx int, weights []float64) float64 {
	var sum float64
	row := t.Features[idx]
	for i := 0; i < len(row) && i < len(weights); i++ {
		sum += row[i] * weights[i]
	}
	return sum
}

// Model is the handle onto the probabilistic inference collaborator. Episodes
// mutate it only through AddFactor/RemoveFactor and Observe/Unobserve, always
// in stack order, so an implementation may assume strictly nested calls.
//
// Variables referenced by AddFactor that do not exist yet are created with
// the cardinality given by the table; they disappear again once no factor
// references them and they are no longer observed.
type Model interface {
	// VariableSizes returns the cardinality of every variable, including
	// any auxiliary observation variables currently attached.
	VariableSizes() []int

	// Marginals returns the per-variable distribution under weights.
	Marginals(weights []float64) [][]float64

	// MAP returns the most probable joint assignment under weights.
	MAP(weights []float64) []int

	AddFactor(table Table, variables []int) FactorID
	RemoveFactor(id FactorID)
	Observe(variable, value int)
	Unobserve(variable int)

	// Clone returns an independent deep copy.
	Clone() Model
}

// Question describes how a variable is presented to an annotator.
type Question struct {
	Prompt  string
	Choices []string
}

// Task is what a HumanSource is asked to staff: a model to label together
// with an optional human readable rendering of each variable.
type Task struct {
	ID        string
	Model     Model
	Questions []Question
}

// Question returns the rendering for variable v, or a generic one.
func (t Task) Question(v int) Question {
	if v >= 0 && v < len(t.Questions) {
		return t.Questions[v]
	}
	var sizes []int
	if t.Model != nil {
		sizes = t.Model.VariableSizes()
	}
	choices := make([]string, 0)
	if v >= 0 && v < len(sizes) {
		for i := 0; i < sizes[v]; i++ {
			choices = append(choices, fmt.Sprintf("%d", i))
		}
	}
	return Question{Prompt: fmt.Sprintf("variable %d", v), Choices: choices}
}
