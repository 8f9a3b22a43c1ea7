// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the execution platform of a worker
// process. A Platform runs a resizable set of execution goroutines
// that take jobs from a blocking queue, bind computing units through
// a resource manager and hand the job to an external Executor.
package worker

import (
	"context"
	"sync"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/jobqueue"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/resmgr"
)

// Executor runs a job on the units bound to it. Implementations
// typically launch a language-specific process pinned to the units
// in alloc.
type Executor interface {
	Execute(ctx context.Context, job *Job, alloc *resmgr.Allocation) error
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, job *Job, alloc *resmgr.Allocation) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *Job, alloc *resmgr.Allocation) error {
	return f(ctx, job, alloc)
}

// Platform is a worker's execution platform.
type Platform struct {
	// Name is the name of the worker.
	Name string
	// Log is the platform's logger.
	Log *log.Logger
	// Executor runs jobs.
	Executor Executor
	// Resources binds computing units to jobs.
	Resources *resmgr.Manager

	queue jobqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	size    int
	started bool
	stopped bool
}

// Start starts n execution goroutines. Jobs are run with contexts
// derived from ctx.
func (p *Platform) Start(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.E("start", p.Name, errors.Precondition, errors.New("platform already started"))
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.growLocked(n)
	p.Log.Debugf("platform %s started with %d execution goroutines", p.Name, n)
	return nil
}

// Size returns the current number of execution goroutines.
func (p *Platform) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Submit queues a job for execution.
func (p *Platform) Submit(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return errors.E("submit", job.String(), errors.Unavailable, errors.New("platform not running"))
	}
	job.Log.Debugf("queued on %s", p.Name)
	p.queue.Enqueue(job)
	return nil
}

// Resize changes the number of execution goroutines to n. Shrinking
// stops the goroutines that went idle most recently; busy goroutines
// stop once they have finished their current job.
func (p *Platform) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	switch {
	case n > p.size:
		p.growLocked(n - p.size)
	case n < p.size:
		for i := n; i < p.size; i++ {
			p.queue.Enqueue(nil)
		}
		p.size = n
	}
	p.Log.Debugf("platform %s resized to %d", p.Name, n)
}

// Stop stops the platform once the queued jobs have run, and waits
// for every execution goroutine to exit. The platform's goroutines
// are canceled if ctx is done first.
func (p *Platform) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.size = 0
	p.queue.Close()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Platform) growLocked(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	p.size += n
}

// loop runs jobs until it dequeues the stop sentinel. Each goroutine
// keeps the units of its previous job as a binding preference.
func (p *Platform) loop() {
	defer p.wg.Done()
	var last *resmgr.Allocation
	for {
		v, err := p.queue.Dequeue(p.ctx)
		if err != nil || v == nil {
			return
		}
		job := v.(*Job)
		if alloc := p.run(job, last); alloc != nil {
			last = alloc
		}
	}
}

func (p *Platform) run(job *Job, preferred *resmgr.Allocation) *resmgr.Allocation {
	ctx := p.ctx
	req := job.Impl.Requirements
	alloc, err := p.Resources.AcquireResources(ctx, job.ID, req, preferred)
	if errors.Is(errors.ResourcesExhausted, err) {
		alloc = new(resmgr.Allocation)
		if preferred != nil {
			*alloc = *preferred
		}
		pending := p.Resources.ReacquireResources(ctx, job.ID, req, alloc)
		if err = pending.Wait(ctx); err != nil {
			if !p.Resources.Withdraw(ctx, pending) {
				p.Resources.ReleaseResources(ctx, job.ID)
			}
			job.finish(errors.E("bind", job.String(), err))
			return nil
		}
	} else if err != nil {
		job.finish(err)
		return nil
	}
	job.bind(alloc)
	job.Log.Debugf("running on %s", alloc)
	err = p.Executor.Execute(ctx, job, alloc)
	p.Resources.ReleaseResources(ctx, job.ID)
	if err != nil {
		job.Log.Errorf("failed: %v", err)
		kind := errors.Execution
		if ctx.Err() != nil {
			kind = errors.Canceled
		}
		err = errors.E("execute", job.String(), kind, err)
	}
	job.finish(err)
	return alloc
}
