package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/episode"
)

type itemKind int

const (
	itemArrival itemKind = iota
	itemResponse
	itemFailure
	itemDisconnect
)

// item is an external completion waiting to become a frame. Frames are built
// on the loop goroutine when the item is drained, because only there is the
// live stack readable.
type item struct {
	kind     itemKind
	posting  episode.Ref
	launch   episode.Ref
	arrival  episode.Ref
	value    int
	handle   core.HumanHandle
	received time.Time
}

// queue is the FIFO between marketplace callbacks and the loop. Callbacks
// only push; the loop drains and waits.
type queue struct {
	mu    sync.Mutex
	items []item
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait blocks until the queue is non-empty or ctx is done.
func (q *queue) wait(ctx context.Context) error {
	for q.len() == 0 {
		select {
		case <-q.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
