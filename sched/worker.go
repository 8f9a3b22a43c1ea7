// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"fmt"

	"github.com/grailbio/locus"
)

// Worker is a resource on which actions run. Its static resources
// bound what it can ever host; the scheduler tracks the dynamic
// (currently unreserved) part as actions are placed and returned.
type Worker struct {
	// Name uniquely identifies the worker.
	Name string
	// Host is the host on which the worker runs. Data locality is
	// computed against it.
	Host string
	// Resources are the worker's static resources.
	Resources locus.ResourceDescription

	// The following are owned by the scheduler's loop.
	available locus.ResourceDescription
	hosted    []*Action
	blocked   []*Action
}

// NewWorker returns a new worker with the given static resources.
func NewWorker(name, host string, resources locus.ResourceDescription) *Worker {
	return &Worker{
		Name:      name,
		Host:      host,
		Resources: resources,
		available: resources.Copy(),
	}
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker %s (%s)", w.Name, w.Host)
}

// free returns the number of computing units left on the worker.
func (w *Worker) free() int {
	var n int
	for _, t := range locus.ComputingClasses {
		n += w.available.Units(t)
	}
	return n
}

// reserve places a on the worker with implementation impl. It
// returns false, leaving the worker unchanged, if the worker's
// available resources do not suffice.
func (w *Worker) reserve(a *Action, impl locus.Implementation) bool {
	reserved, err := w.available.ReduceDynamic(impl.Requirements)
	if err != nil {
		return false
	}
	a.reserved = reserved
	a.worker = w
	w.hosted = append(w.hosted, a)
	return true
}

// release returns a's reserved resources to the worker.
func (w *Worker) release(a *Action) {
	w.available.IncreaseDynamic(a.reserved)
	a.reserved = locus.ResourceDescription{}
	for i, h := range w.hosted {
		if h == a {
			w.hosted = append(w.hosted[:i], w.hosted[i+1:]...)
			break
		}
	}
}

// block queues a behind the actions whose release lets req fit on
// the worker: the shortest prefix of the hosted actions (in start
// order) and the most recently blocked action that does not itself
// wait on a. It returns false if no action on the worker can ever make
// room.
func (w *Worker) block(a *Action, req locus.ResourceDescription) bool {
	avail := w.available.Copy()
	var preds []*Action
	for _, h := range w.hosted {
		if avail.HasAvailable(req) {
			break
		}
		avail.IncreaseDynamic(h.reserved)
		preds = append(preds, h)
	}
	if !avail.HasAvailable(req) {
		return false
	}
	// A reselected action may already have blocked actions queued
	// behind it; it must not in turn wait on them.
	behind := transitiveResourceSuccessors(a)
	for i := len(w.blocked) - 1; i >= 0; i-- {
		if b := w.blocked[i]; !behind[b] {
			preds = append(preds, b)
			break
		}
	}
	if len(preds) == 0 {
		return false
	}
	for _, p := range preds {
		addResourceEdge(p, a)
	}
	a.blockedOn = w
	w.blocked = append(w.blocked, a)
	return true
}

// unblock removes a from the worker's blocked queue.
func (w *Worker) unblock(a *Action) {
	for i, b := range w.blocked {
		if b == a {
			w.blocked = append(w.blocked[:i], w.blocked[i+1:]...)
			break
		}
	}
	a.blockedOn = nil
}
