//go:build linux

package iomgr

import (
	"fmt"
	"strings"
	"sync"

	"kdev/internal/util"

	"github.com/negrel/assert"
	"github.com/pkg/errors"
)

// IOContext is a caller owned batch of ops. Ops go in through Device.Enqueue*, sit on
// the pending list until Device.Submit moves them all to the in-flight list, and leave
// the in-flight list when Device.Reap sees their completion.
//
// Both lists and both counts live under one lock, so the counts a caller polls never
// disagree with the lists. Enqueue, Submit and Reap may run on different goroutines.
type IOContext struct {
	// serializes Submit on this context and guards batch
	submitMu	sync.Mutex
	batch		[]*Op

	mu			sync.Mutex
	pending		util.List[*Op]
	inflight	util.List[*Op]
	numPending	int
	numInflight	int
	err			error	// first failed completion
	closed		bool
}

func NewIOContext() *IOContext {
	return &IOContext{}
}

func (q *IOContext) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numPending
}

func (q *IOContext) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numInflight
}

// Counts returns both counts from the same instant.
func (q *IOContext) Counts() (pending int, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numPending, q.numInflight
}

// Err returns the first failed or short completion seen on this context, if any.
func (q *IOContext) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close retires the context. It is rejected while anything is pending or in flight,
// since the kernel may still report completions that point back here.
func (q *IOContext) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.numPending > 0 || q.numInflight > 0 {
		return &Error{Kind: QueueBusy,
			Err: errors.Errorf("%d pending, %d in flight", q.numPending, q.numInflight)}
	}
	q.closed = true
	return nil
}

func (q *IOContext) push(op *Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed { return &Error{Kind: QueueClosed} }
	q.pending.PushBack(op)
	q.numPending++
	return nil
}

// takePending moves every pending op to the front of the in-flight list. reserve is
// called with the count first, under the lock, and may veto the move. Returns the
// moved ops in the context's reusable batch slice.
func (q *IOContext) takePending(reserve func(ops *util.List[*Op], n int) error) ([]*Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.numPending
	if n == 0 { return nil, nil }
	if err := reserve(&q.pending, n); err != nil { return nil, err }

	batch := q.batch[:0]
	for op := q.pending.Front(); op != nil; op = op.Next() {
		batch = append(batch, op)
	}
	q.batch = batch

	q.inflight.PushFrontList(&q.pending)
	q.numInflight += n
	q.numPending = 0

	assert.Equal(len(batch), n, "pending list and pending count disagree")
	assert.Equal(true, q.pending.Empty(), "pending list not empty after transfer")

	return batch, nil
}

// complete retires reaped ops that all belong to q.
func (q *IOContext) complete(ops []*Op) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.numInflight -= len(ops)
	assert.GreaterOrEqual(q.numInflight, 0, "in-flight count went negative")

	if q.numInflight == 0 {
		// everything that was in flight is done, drop the list in one go
		q.inflight.Reset()
	} else {
		for _, op := range ops {
			q.inflight.Remove(op)
		}
	}

	if q.err == nil {
		for _, op := range ops {
			if err := op.err(); err != nil {
				q.err = err
				break
			}
		}
	}
}

func (q *IOContext) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "IOContext | Pending: %d, InFlight: %d, Closed: %v\n",
		q.numPending, q.numInflight, q.closed)
	for op := q.pending.Front(); op != nil; op = op.Next() {
		fmt.Fprintf(&b, "   | pending  %s\n", op)
	}
	for op := q.inflight.Front(); op != nil; op = op.Next() {
		fmt.Fprintf(&b, "   > inflight %s\n", op)
	}
	return b.String()
}
