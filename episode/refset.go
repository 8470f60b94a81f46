package episode

import (
	"fmt"
	"slices"
)

// refSet is an ordered set of refs. Stack order doubles as age order, so the
// first element is always the oldest member.
type refSet struct {
	refs []Ref
}

func (s *refSet) add(r Ref) {
	i, found := slices.BinarySearch(s.refs, r)
	if found {
		panic(fmt.Sprintf("episode: ref %d already present", r))
	}
	s.refs = slices.Insert(s.refs, i, r)
}

func (s *refSet) remove(r Ref) {
	i, found := slices.BinarySearch(s.refs, r)
	if !found {
		panic(fmt.Sprintf("episode: ref %d not present", r))
	}
	s.refs = slices.Delete(s.refs, i, i+1)
}

func (s *refSet) contains(r Ref) bool {
	_, found := slices.BinarySearch(s.refs, r)
	return found
}

func (s *refSet) len() int { return len(s.refs) }

func (s *refSet) list() []Ref { return append([]Ref(nil), s.refs...) }
