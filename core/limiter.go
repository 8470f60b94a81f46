package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNodeLimitExceeded is returned once a NodeLimiter passes its maximum.
var ErrNodeLimitExceeded = errors.New("node limit exceeded")

// NodeLimiter bounds the number of search nodes a planner may expand.
type NodeLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewNodeLimiter creates a limiter with a max number of nodes.
// If max == 0, expansion is unbounded.
func NewNodeLimiter(max int) *NodeLimiter {
	return &NodeLimiter{max: max}
}

// Add accounts for n freshly expanded nodes.
func (nl *NodeLimiter) Add(n int) error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	nl.count += n
	if nl.max > 0 && nl.count > nl.max {
		return fmt.Errorf("%w: %d", ErrNodeLimitExceeded, nl.max)
	}

	return nil
}

// Increment is Add(1).
func (nl *NodeLimiter) Increment() error { return nl.Add(1) }

// Count returns the number of nodes expanded so far.
func (nl *NodeLimiter) Count() int {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	return nl.count
}

// Remaining returns how many nodes may still be expanded.
func (nl *NodeLimiter) Remaining() int {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if nl.max == 0 {
		return -1 // unlimited
	}

	return nl.max - nl.count
}
