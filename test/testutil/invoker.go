// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/sched"
)

// Invocation is a recorded invocation.
type Invocation struct {
	ID     int
	Worker string
	Impl   locus.Implementation
}

// Invoker is a sched.Invoker for testing. Each invocation blocks
// until the test completes it through Complete, or until the
// invocation's context is canceled.
type Invoker struct {
	mu      sync.Mutex
	results map[int]chan error
	calls   []Invocation
}

// NewInvoker returns a new, empty Invoker.
func NewInvoker() *Invoker {
	return &Invoker{results: make(map[int]chan error)}
}

func (i *Invoker) result(id int) chan error {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.results[id]
	if !ok {
		c = make(chan error)
		i.results[id] = c
	}
	return c
}

// Invoke implements sched.Invoker.
func (i *Invoker) Invoke(ctx context.Context, a *sched.Action) error {
	i.mu.Lock()
	i.calls = append(i.calls, Invocation{a.ID, a.Worker, a.Impl})
	i.mu.Unlock()
	select {
	case err := <-i.result(a.ID):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete completes the current invocation of action id with the
// provided error. Complete blocks until the action is invoked.
func (i *Invoker) Complete(id int, err error) {
	i.result(id) <- err
}

// Calls returns the invocations made so far, in order.
func (i *Invoker) Calls() []Invocation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Invocation(nil), i.calls...)
}

// FuncInvoker returns an invoker that runs fn for every action.
func FuncInvoker(fn func(a *sched.Action) error) sched.Invoker {
	return sched.InvokerFunc(func(ctx context.Context, a *sched.Action) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(a)
	})
}
