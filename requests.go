package herd

import (
	"container/heap"
	"sync"
	"time"
)

// request is a unit of work scheduled onto the coordination goroutine.
//
// Requests with a zero delay run on the next tick; delayed requests run
// once their deadline passes. The action runs on the coordination
// goroutine and may freely touch coordination state.
type request struct {
	at     time.Time
	seq    uint64
	reason string
	action func() error
	done   chan error
}

// requestQueue is a deadline-ordered priority queue of requests.
//
// Ordering is by (deadline, sequence): earlier deadlines first, and
// requests sharing a deadline run in enqueue order. Safe for concurrent
// producers; the coordination goroutine is the only consumer.
type requestQueue struct {
	mu   sync.Mutex
	heap requestHeap
	seq  uint64

	// wakeup interrupts a blocked Poll when a new request arrives from
	// another goroutine.
	wakeup func()
}

func newRequestQueue(wakeup func()) *requestQueue {
	return &requestQueue{wakeup: wakeup}
}

// add enqueues a request due at the given time and returns its
// completion channel. A zero time means "as soon as possible".
func (q *requestQueue) add(at time.Time, reason string, action func() error) <-chan error {
	req := &request{
		at:     at,
		reason: reason,
		action: action,
		done:   make(chan error, 1),
	}

	q.mu.Lock()
	q.seq++
	req.seq = q.seq
	heap.Push(&q.heap, req)
	q.mu.Unlock()

	if q.wakeup != nil {
		q.wakeup()
	}

	return req.done
}

// popDue removes and returns the next request whose deadline is at or
// before now, or nil when none is due.
func (q *requestQueue) popDue(now time.Time) *request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 || q.heap[0].at.After(now) {
		return nil
	}

	return heap.Pop(&q.heap).(*request)
}

// nextDeadline returns the earliest pending deadline.
//
// Returns:
//   - time.Time: The deadline of the head request
//   - bool: false when the queue is empty
func (q *requestQueue) nextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return time.Time{}, false
	}

	return q.heap[0].at, true
}

// len reports the number of pending requests.
func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.heap)
}

// drain removes all pending requests and completes each with err.
// Called during shutdown so blocked callers observe ErrShuttingDown
// instead of hanging.
func (q *requestQueue) drain(err error) {
	q.mu.Lock()
	pending := q.heap
	q.heap = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.done <- err
	}
}

// requestHeap implements heap.Interface ordered by (deadline, sequence).
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}

	return h[i].at.Before(h[j].at)
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return req
}
