// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/locus"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/resmgr"
)

// Job is an implementation invocation queued on a worker's platform.
type Job struct {
	// ID identifies the job; units are bound to it in the resource
	// manager.
	ID int
	// Impl is the implementation to run.
	Impl locus.Implementation
	// Args are the job's arguments: locations of its inputs and
	// values of its basic parameters, as understood by the executor.
	Args []string
	// Log receives the job's status messages.
	Log *log.Logger

	mu    sync.Mutex
	cond  *ctxsync.Cond
	done  bool
	err   error
	alloc *resmgr.Allocation
}

// NewJob returns a new job running implementation impl.
func NewJob(id int, impl locus.Implementation, args ...string) *Job {
	j := &Job{ID: id, Impl: impl, Args: args}
	j.cond = ctxsync.NewCond(&j.mu)
	return j
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d %s", j.ID, j.Impl)
}

// Wait waits for the job to finish and returns its error.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for !j.done {
		if err := j.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return j.err
}

// Allocation returns the units the job ran on. It is nil until the
// job is bound.
func (j *Job) Allocation() *resmgr.Allocation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.alloc
}

func (j *Job) bind(alloc *resmgr.Allocation) {
	j.mu.Lock()
	j.alloc = alloc
	j.mu.Unlock()
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.done = true
	j.err = err
	j.cond.Broadcast()
	j.mu.Unlock()
}
