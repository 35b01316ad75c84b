// Package rag is the RAG Multiplexer: a worker pool fronting
// MultiplexServers, each reachable over stdio, local HTTP, or a remote
// websocket, behind one Worker interface. It owns the bounded priority
// queue, load-balancing strategy, per-worker circuit breakers, and implements
// internal/router.Enricher so the router can call it without knowing any of
// this exists.
package rag

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/RobLe3/claudette/internal/errs"
)

// queuedRequest is a pending enrichment call waiting for a worker,
// strictly ordered (priority desc, enqueued_at asc).
type queuedRequest struct {
	priority   int
	enqueuedAt time.Time
	seq        int64 // tie-break for equal enqueuedAt, assigned at push time

	ctx    context.Context
	prompt string
	result chan enrichResult
}

type enrichResult struct {
	text string
	ok   bool
	err  error
}

// priorityHeap implements container/heap.Interface for queuedRequest,
// ordering (priority desc, enqueued_at asc, seq asc) so Pop always returns
// the most urgent, longest-waiting item.
type priorityHeap []*queuedRequest

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(*queuedRequest)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queue is the bounded, strictly-priority-ordered front door to the worker
// pool. Capacity is fixed at construction;
// a per-priority cap additionally bounds how many items of one priority
// class may sit queued at once, so one noisy priority cannot starve others.
type queue struct {
	mu       sync.Mutex
	heap     priorityHeap
	maxSize  int
	perPrio  int
	byPrio   map[int]int
	nextSeq  int64
	notEmpty chan struct{} // signalled (non-blocking) whenever an item is pushed
	closed   bool
}

func newQueue(maxSize, perPriorityCap int) *queue {
	if maxSize <= 0 {
		maxSize = 256
	}
	if perPriorityCap <= 0 {
		perPriorityCap = maxSize
	}
	q := &queue{
		maxSize:  maxSize,
		perPrio:  perPriorityCap,
		byPrio:   make(map[int]int),
		notEmpty: make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// enqueue fails fast with errs.KindBackpressure rather than blocking
// whenever the queue or the request's priority class is full.
func (q *queue) enqueue(ctx context.Context, priority int, prompt string) (chan enrichResult, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errs.New(errs.KindBackpressure, "multiplexer is shutting down")
	}
	if len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		return nil, errs.New(errs.KindBackpressure, "rag queue full")
	}
	if q.byPrio[priority] >= q.perPrio {
		q.mu.Unlock()
		return nil, errs.New(errs.KindBackpressure, "rag queue full for priority class")
	}

	q.nextSeq++
	item := &queuedRequest{
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        q.nextSeq,
		ctx:        ctx,
		prompt:     prompt,
		result:     make(chan enrichResult, 1),
	}
	heap.Push(&q.heap, item)
	q.byPrio[priority]++
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return item.result, nil
}

// dequeue blocks until an item is available or ctx is cancelled.
func (q *queue) dequeue(ctx context.Context) (*queuedRequest, bool) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			item := heap.Pop(&q.heap).(*queuedRequest)
			q.byPrio[item.priority]--
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notEmpty:
		}
	}
}

// drain pops every remaining item without blocking, for graceful shutdown.
func (q *queue) drain() []*queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queuedRequest, 0, len(q.heap))
	for len(q.heap) > 0 {
		out = append(out, heap.Pop(&q.heap).(*queuedRequest))
	}
	return out
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
