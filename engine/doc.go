// Package engine plays live labeling episodes against a human source.
//
// An Engine alternates between two kinds of work on a single loop goroutine:
// turning completed marketplace events (arrivals, answers, failures,
// disconnects) into episode frames, and asking its policy for the next move
// and carrying it out (posting a job, sending a query, releasing a human,
// waiting, turning in). Marketplace callbacks never touch the episode; they
// only enqueue.
//
// # Usage
//
//	eng := engine.New(crowd,
//	    func(o *engine.Options) {
//	        o.Policy = policy.NewMCTS()
//	        o.Logger = logger
//	    },
//	)
//	labels, err := eng.GetMAP(ctx, core.Task{Model: model})
//
// # Time
//
// Frames are stamped with the wall-clock offset from episode start. Against a
// ReplaySource the time spent planning is scaled down by the replay speedup
// so that compressed human delays and uncompressed computation stay
// comparable.
//
// # Callbacks
//
// Callbacks registered for CallbackBeforeDecision, CallbackAfterDecision,
// CallbackOnFrame and CallbackOnError run synchronously on the loop
// goroutine. A BudgetCallback stops an episode once it runs out of time.
package engine
