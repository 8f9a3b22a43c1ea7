// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package jobqueue implements the blocking queue from which a
// worker's execution goroutines take jobs.
//
// A nil job is a stop sentinel: the dequeuer that receives it is
// expected to exit. The queue hands jobs directly to parked dequeuers
// according to the following protocol:
//
//	- a non-nil job is handed to the dequeuer that has been parked
//	  the longest, so that work is spread over idle goroutines in
//	  arrival order;
//	- a nil job is handed to the dequeuer that parked most recently,
//	  so that shrinking the pool stops the goroutines that were idle
//	  for the shortest time and leaves long-parked ones untouched;
//	- when no dequeuer is parked, jobs (nil included) are queued in
//	  FIFO order.
//
// Close wakes every parked dequeuer with the stop sentinel and makes
// every later dequeue on an empty queue return it immediately.
package jobqueue

import (
	"context"
	"sync"
)

type waiter struct {
	c chan interface{}
}

// Queue is a blocking job queue. The zero Queue is ready to use.
type Queue struct {
	mu      sync.Mutex
	jobs    []interface{}
	waiters []*waiter
	closed  bool
}

// Enqueue adds job to the queue, handing it directly to a parked
// dequeuer if there is one.
func (q *Queue) Enqueue(job interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.waiters); n > 0 {
		var w *waiter
		if job == nil {
			w = q.waiters[n-1]
			q.waiters = q.waiters[:n-1]
		} else {
			w = q.waiters[0]
			q.waiters[0] = nil
			q.waiters = q.waiters[1:]
		}
		w.c <- job
		return
	}
	q.jobs = append(q.jobs, job)
}

// Dequeue returns the next job, blocking until one is available, the
// queue is closed, or the context is done. A nil job with a nil error
// means the caller should stop.
func (q *Queue) Dequeue(ctx context.Context) (interface{}, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, nil
	}
	w := &waiter{c: make(chan interface{}, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case job := <-w.c:
		return job, nil
	case <-ctx.Done():
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.waiters {
		if q.waiters[i] == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return nil, ctx.Err()
		}
	}
	// A job was handed to us concurrently with cancellation; don't
	// drop it.
	return <-w.c, nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Parked returns the number of dequeuers currently blocked.
func (q *Queue) Parked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Close wakes every parked dequeuer with the stop sentinel. Jobs
// already queued are still returned by later dequeues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, w := range q.waiters {
		w.c <- nil
	}
	q.waiters = nil
}
