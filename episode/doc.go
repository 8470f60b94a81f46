// Package episode models a human-assisted labeling session as a stack of
// reversible frames.
//
// A policy explores hypothetical futures by pushing frames, scoring the
// result and popping them again; Push and Pop are exact inverses, including
// the observation factors a QueryResponse attaches to the underlying model.
// Derived state (pending queries, open postings, present humans and which of
// them may still be asked about each variable) is cached incrementally but is
// always a pure function of the stack.
//
// Frames refer to each other by Ref, their position on the stack. Because a
// clone replays the same stack, Refs stay valid across clones and frames can
// be shared freely between them.
//
// Typical use:
//
//	ep := episode.New(model, provider, func(o *episode.Options) {
//	    o.MaxJobPostings = 3
//	})
//	for _, move := range ep.LegalMoves() {
//	    ep.Push(move)
//	    score := utility.Evaluate(ep)
//	    ep.Pop()
//	    _ = score
//	}
package episode
