// Package record keeps the answers annotators gave in past sessions, keyed by
// task and variable. The orchestrator appends to it while playing; the replay
// human source answers from it and the n-vote policy can count past answers
// as votes already cast.
package record

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrInvalidEntry is returned for entries that cannot be stored.
var ErrInvalidEntry = errors.New("invalid record entry")

// Entry is one recorded answer.
type Entry struct {
	Value     int
	Delay     time.Duration
	Annotator string
}

// Store is the contract the rest of the module depends on.
type Store interface {
	Record(taskID string, variable int, entry Entry) error
	Entries(taskID string, variable int) ([]Entry, error)
	Votes(taskID string, variable int) int
}

// InMemoryStore is a process-local Store protected by an RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[int][]Entry // taskID -> variable -> answers in arrival order
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]map[int][]Entry)}
}

// Record appends entry to the answers for (taskID, variable).
func (s *InMemoryStore) Record(taskID string, variable int, entry Entry) error {
	if taskID == "" || variable < 0 || entry.Value < 0 || entry.Delay < 0 {
		return ErrInvalidEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[taskID]; !exists {
		s.entries[taskID] = make(map[int][]Entry)
	}
	s.entries[taskID][variable] = append(s.entries[taskID][variable], entry)
	return nil
}

// Entries returns a copy of the answers for (taskID, variable).
func (s *InMemoryStore) Entries(taskID string, variable int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries[taskID][variable]), nil
}

// Votes counts the answers for (taskID, variable).
func (s *InMemoryStore) Votes(taskID string, variable int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[taskID][variable])
}

// Variables lists the variables with at least one answer for taskID.
func (s *InMemoryStore) Variables(taskID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make([]int, 0, len(s.entries[taskID]))
	for v := range s.entries[taskID] {
		vars = append(vars, v)
	}
	sort.Ints(vars)
	return vars
}

// Delays returns every recorded delay across all tasks, sorted.
func (s *InMemoryStore) Delays() []time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var delays []time.Duration
	for _, byVar := range s.entries {
		for _, entries := range byVar {
			for _, e := range entries {
				delays = append(delays, e.Delay)
			}
		}
	}
	slices.Sort(delays)
	return delays
}

// Clear removes everything recorded for taskID.
func (s *InMemoryStore) Clear(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
}

var _ Store = (*InMemoryStore)(nil)
