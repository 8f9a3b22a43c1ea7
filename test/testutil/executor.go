// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"

	"github.com/grailbio/locus/resmgr"
	"github.com/grailbio/locus/worker"
)

// Run is a recorded job execution.
type Run struct {
	JobID int
	Alloc resmgr.Allocation
}

// Executor is a worker.Executor for testing. It records the jobs it
// runs and the maximum number of concurrent executions. If Release
// is set, every execution blocks until Release is closed.
type Executor struct {
	// Release, if non-nil, holds executions until it is closed.
	Release chan struct{}
	// Errs maps job IDs to the error their execution returns.
	Errs map[int]error

	mu      sync.Mutex
	runs    []Run
	running int
	max     int
	started chan int
}

// NewExecutor returns a new Executor. Executions block until
// release is closed; a nil release does not block.
func NewExecutor(release chan struct{}) *Executor {
	return &Executor{
		Release: release,
		Errs:    make(map[int]error),
		started: make(chan int, 1024),
	}
}

// Execute implements worker.Executor.
func (e *Executor) Execute(ctx context.Context, job *worker.Job, alloc *resmgr.Allocation) error {
	e.mu.Lock()
	e.runs = append(e.runs, Run{job.ID, *alloc})
	e.running++
	if e.running > e.max {
		e.max = e.running
	}
	err := e.Errs[job.ID]
	e.mu.Unlock()
	e.started <- job.ID
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()
	if e.Release != nil {
		select {
		case <-e.Release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Started returns a channel on which the IDs of started jobs are
// sent.
func (e *Executor) Started() <-chan int {
	return e.started
}

// Runs returns the recorded executions, in start order.
func (e *Executor) Runs() []Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Run(nil), e.runs...)
}

// MaxConcurrent returns the maximum number of concurrent executions.
func (e *Executor) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max
}
