// Package queue implements the per-request frame queue that bridges the
// connection registry and the request pipeline. Each in-flight request owns
// exactly one Queue: the registry enqueues frames arriving from the in-page
// agent, and the pipeline dequeues them in FIFO order. The queue is
// closeable with a reason code so that a parked consumer learns why its
// request died (socket lost, retry, client disconnect).
package queue

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDequeueTimeout is the idle deadline applied when Dequeue is called
// with a non-positive timeout.
const DefaultDequeueTimeout = 300 * time.Second

// Close reasons observed by a released waiter.
const (
	ReasonConnectionLost   = "connection_lost"
	ReasonClientDisconnect = "client_disconnect"
	ReasonRetryNewQueue    = "retry_creating_new_queue"
	ReasonRequestComplete  = "request_complete"
	ReasonReplacedOnRetry  = "replaced_on_retry"
	ReasonUnknown          = "unknown"
)

// ErrQueueTimeout is returned by Dequeue when the idle deadline elapses
// before a frame arrives.
var ErrQueueTimeout = errors.New("queue: dequeue timeout")

// ClosedError is returned by Dequeue when the queue was closed before or
// during the wait. Reason carries the close reason code.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("queue: closed (%s)", e.Reason)
}

// IsClosed reports whether err is a queue closure and, if so, its reason.
func IsClosed(err error) (string, bool) {
	var ce *ClosedError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

// waiter is a parked Dequeue call. Exactly one of the fields is delivered.
type waiter struct {
	ch chan result
}

type result struct {
	value any
	err   error
}

// Queue is an ordered, closeable FIFO for exactly one request. It is a
// single-consumer queue: the request pipeline is the only caller of Dequeue,
// and concurrent Dequeue calls are not permitted.
type Queue struct {
	mu      sync.Mutex
	items   *list.List
	pending *waiter
	closed  bool
	reason  string
}

// New creates an empty open queue.
func New() *Queue {
	return &Queue{items: list.New()}
}

// Enqueue appends a value, or hands it directly to a parked waiter. It never
// blocks. Enqueue on a closed queue is a no-op.
func (q *Queue) Enqueue(v any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.pending != nil {
		w := q.pending
		q.pending = nil
		w.ch <- result{value: v}
		return
	}
	q.items.PushBack(v)
}

// Dequeue returns the next buffered value, or parks until one arrives or the
// timeout elapses. A non-positive timeout selects DefaultDequeueTimeout.
// It fails with ErrQueueTimeout on deadline and with *ClosedError if the
// queue is closed before or during the wait.
func (q *Queue) Dequeue(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultDequeueTimeout
	}

	q.mu.Lock()
	if front := q.items.Front(); front != nil {
		q.items.Remove(front)
		q.mu.Unlock()
		return front.Value, nil
	}
	if q.closed {
		reason := q.reason
		q.mu.Unlock()
		return nil, &ClosedError{Reason: reason}
	}
	w := &waiter{ch: make(chan result, 1)}
	q.pending = w
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.value, res.err
	case <-timer.C:
		// The timer fired, but a frame or a close may be racing us.
		// Detach the waiter under the lock: whoever detaches first owns
		// the outcome, so the consumer observes exactly one result.
		q.mu.Lock()
		if q.pending == w {
			q.pending = nil
			q.mu.Unlock()
			return nil, ErrQueueTimeout
		}
		q.mu.Unlock()
		res := <-w.ch
		return res.value, res.err
	}
}

// Close marks the queue closed, releases a parked waiter with a ClosedError
// carrying the reason, and drops buffered values. It is idempotent; only the
// first reason sticks. An empty reason is recorded as "unknown".
func (q *Queue) Close(reason string) {
	if reason == "" {
		reason = ReasonUnknown
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.reason = reason
	q.items.Init()
	if q.pending != nil {
		w := q.pending
		q.pending = nil
		w.ch <- result{err: &ClosedError{Reason: reason}}
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered values.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
