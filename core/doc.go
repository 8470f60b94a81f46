// Package core defines the contracts labelmesh consumes from its two external
// collaborators:
//
//   - Model: the probabilistic inference engine computing marginals and MAP
//     assignments over a log-linear factor graph
//   - HumanSource / HumanHandle: the worker marketplace that hires annotators
//     and routes queries to them
//
// Alongside those it carries the small value types shared by every layer
// (Table, Human, Task) and the NodeLimiter used to bound planning effort.
// Concrete implementations live elsewhere (factorgraph, humansource).
package core
