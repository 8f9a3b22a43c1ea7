// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sched implements data-location and resource-aware
// scheduling of actions onto workers.
//
// A unit of work is encapsulated by an Action, and is submitted to
// the scheduler. An action becomes ready once its data predecessors
// have completed. The scheduler then enumerates the (worker,
// implementation) pairs that can ever host it, scores them by data
// locality and resource use, and reserves resources on the best pair
// that currently fits. If no pair fits, the action is queued behind
// the actions on the best worker whose release makes room.
//
// Actions are run by an Invoker. An action that fails with a
// restartable error is retried on another worker if possible, until
// it reaches the scheduler's error limit. Failed and cancelled
// actions cancel their data successors.
package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/metrics"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxActionErrors is the default number of errors after
// which an action fails permanently.
const DefaultMaxActionErrors = 2

const compatCacheSize = 1 << 12

// Invoker runs an action on its assigned worker. Invoke returns when
// the action has finished; it should return promptly when the
// context is canceled.
type Invoker interface {
	Invoke(ctx context.Context, a *Action) error
}

// InvokerFunc adapts a function to an Invoker.
type InvokerFunc func(ctx context.Context, a *Action) error

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, a *Action) error {
	return f(ctx, a)
}

// A Scheduler is responsible for placing actions on workers and for
// driving them through their life cycle. The scheduler's state is
// owned by a single loop (Scheduler.Do); callers interact with it
// through Submit, Cancel and AddWorker, and observe actions through
// Action.Wait.
type Scheduler struct {
	// Invoker runs placed actions.
	Invoker Invoker
	// Log logs scheduler actions.
	Log *log.Logger
	// Policy determines the resource term of placement scores.
	Policy Policy
	// MaxActionErrors is the number of errors after which an action
	// fails permanently. It is overridden by a positive
	// TaskDescriptor.MaxErrors.
	MaxActionErrors int
	// Locate returns the hosts on which a renaming is present. It is
	// used to score data locality; a nil Locate disables it.
	Locate func(name string) []string
	// Stats is the scheduler stats.
	Stats *Stats

	submitc chan []*Action
	cancelc chan *Action
	workerc chan *Worker
}

// New returns a new Scheduler instance. The caller may customize its
// parameters before starting scheduling by invoking Scheduler.Do.
func New() *Scheduler {
	return &Scheduler{
		MaxActionErrors: DefaultMaxActionErrors,
		Stats:           newStats(),
		submitc:         make(chan []*Action),
		cancelc:         make(chan *Action),
		workerc:         make(chan *Worker),
	}
}

// Submit adds a set of actions to the scheduler. The provided actions
// are managed by the scheduler after this call, until they reach a
// terminal state.
func (s *Scheduler) Submit(actions ...*Action) {
	for _, a := range actions {
		a.Log.Debugf("submitted %s", a.Task)
	}
	s.submitc <- append([]*Action{}, actions...)
}

// Cancel cancels the provided action. Running actions have their
// context canceled and are released when their invocation returns.
// Cancelling an action that has already reached a terminal state
// has no effect.
func (s *Scheduler) Cancel(a *Action) {
	s.cancelc <- a
}

// AddWorker makes a worker available to the scheduler.
func (s *Scheduler) AddWorker(w *Worker) {
	s.workerc <- w
}

func (s *Scheduler) maxErrors(a *Action) int {
	switch {
	case a.Task.MaxErrors > 0:
		return a.Task.MaxErrors
	case s.MaxActionErrors > 0:
		return s.MaxActionErrors
	default:
		return DefaultMaxActionErrors
	}
}

// Do commences scheduling. The scheduler runs until the provided
// context is canceled, after which the context error is returned.
func (s *Scheduler) Do(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	compat, err := lru.New(compatCacheSize)
	if err != nil {
		return err
	}
	l := &loop{
		Scheduler: s,
		ctx:       ctx,
		compat:    compat,
		live:      make(map[*Action]bool),
		returnc:   make(chan *Action),
	}
	s.Log.Debugf("starting with policy %s, max action errors %d", s.Policy, s.MaxActionErrors)
	for {
		select {
		case <-ctx.Done():
			// After being canceled, we cancel all actions that are not
			// running, and then drain the running ones. (All of which
			// will be canceled by the same context cancellation.)
			pending := make([]*Action, 0, len(l.live))
			for a := range l.live {
				if a.state != ActionRunning {
					pending = append(pending, a)
				}
			}
			sortActions(pending)
			for _, a := range pending {
				l.finish(a, ActionCancelled, errors.E("schedule", a.String(), ctx.Err()))
			}
			for ; l.nrunning > 0; l.nrunning-- {
				a := <-l.returnc
				l.release(a)
				if err := a.runErr; err != nil {
					l.finish(a, ActionCancelled, errors.E("schedule", a.String(), errors.Canceled, err))
				} else {
					l.finish(a, ActionCompleted, nil)
				}
			}
			return ctx.Err()
		case actions := <-s.submitc:
			for _, a := range actions {
				l.submit(a)
			}
		case a := <-s.cancelc:
			l.cancel(a, errors.E("cancel", a.String(), errors.Canceled))
		case w := <-s.workerc:
			l.addWorker(w)
		case a := <-l.returnc:
			l.nrunning--
			l.returned(a)
		}
		l.assign()
	}
}

// loop holds the state owned by a running Scheduler.Do.
type loop struct {
	*Scheduler
	ctx      context.Context
	compat   *lru.Cache
	workers  []*Worker
	todo     actionq
	live     map[*Action]bool
	nrunning int
	seq      int
	returnc  chan *Action
}

func (l *loop) addWorker(w *Worker) {
	w.available = w.Resources.Copy()
	i := sort.Search(len(l.workers), func(i int) bool { return l.workers[i].Name >= w.Name })
	if i < len(l.workers) && l.workers[i].Name == w.Name {
		l.Log.Errorf("duplicate worker %s ignored", w.Name)
		return
	}
	l.workers = append(l.workers, nil)
	copy(l.workers[i+1:], l.workers[i:])
	l.workers[i] = w
	l.compat.Purge()
	l.Stats.SetWorker(w)
	l.Log.Debugf("added %s with resources %s", w, w.Resources)
}

func (l *loop) submit(a *Action) {
	if a.terminal() || l.live[a] {
		return
	}
	l.seq++
	a.seq = l.seq
	l.live[a] = true
	l.Stats.SetAction(a)
	metrics.GetActionsSubmittedCountCounter(l.ctx).Inc()
	for _, pred := range a.after {
		switch pred.state {
		case ActionCompleted:
		case ActionFailed, ActionCancelled:
			l.finish(a, ActionCancelled, errors.E("submit", a.String(), errors.Canceled,
				errors.Errorf("%s %s", pred, pred.state)))
			return
		default:
			addDataEdge(pred, a)
		}
	}
	if len(a.dataPreds) == 0 {
		l.ready(a)
	}
}

func (l *loop) ready(a *Action) {
	a.mutate(func(a *Action) { a.state = ActionReady })
	l.Stats.SetAction(a)
	heap.Push(&l.todo, a)
}

// reselect re-enters a, which is ready, into placement.
func (l *loop) reselect(a *Action) {
	if w := a.blockedOn; w != nil {
		w.unblock(a)
		l.Stats.SetWorker(w)
	}
	if a.index < 0 {
		heap.Push(&l.todo, a)
	}
}

// assign places every ready action. Actions remain ready while no
// worker has been added.
func (l *loop) assign() {
	if len(l.workers) == 0 {
		return
	}
	for len(l.todo) > 0 {
		l.place(heap.Pop(&l.todo).(*Action))
	}
}

func (l *loop) place(a *Action) {
	cands, err := l.candidates(a)
	if err != nil {
		l.finish(a, ActionFailed, err)
		return
	}
	for _, c := range cands {
		if c.worker.reserve(a, c.impl) {
			l.start(a, c)
			return
		}
		a.Log.Debugf("%s does not fit on %s", c.impl, c.worker)
	}
	best := cands[0]
	if !best.worker.block(a, best.impl.Requirements) {
		l.finish(a, ActionFailed, errors.E("schedule", a.String(), errors.Unschedulable,
			errors.Errorf("no action on %s can release enough resources", best.worker.Name)))
		return
	}
	l.Stats.SetWorker(best.worker)
	a.Log.Debugf("blocked on %s", best.worker)
}

// candidates returns the compatible (worker, implementation) pairs
// for a, best first. Workers on which a previously failed are
// considered only when no other worker is compatible.
func (l *loop) candidates(a *Action) ([]candidate, error) {
	if len(a.Task.Implementations) == 0 {
		return nil, errors.E("schedule", a.String(), errors.Unschedulable, errors.New("no implementations"))
	}
	var cands, fresh []candidate
	for _, w := range l.workers {
		if a.Task.Worker != "" && w.Name != a.Task.Worker {
			continue
		}
		for _, impl := range a.Task.Implementations {
			if !l.canHost(w, impl) {
				continue
			}
			c := candidate{worker: w, impl: impl, score: score(l.Policy, a, w, impl, l.Locate)}
			cands = append(cands, c)
			if !a.excluded[w.Name] {
				fresh = append(fresh, c)
			}
		}
	}
	if len(cands) == 0 {
		return nil, errors.E("schedule", a.String(), errors.Unschedulable, errors.New("no compatible worker"))
	}
	if len(fresh) > 0 {
		cands = fresh
	}
	sortCandidates(cands)
	return cands, nil
}

// canHost tells whether w's static resources can host impl. Results
// are cached per worker and requirement.
func (l *loop) canHost(w *Worker, impl locus.Implementation) bool {
	key := fmt.Sprintf("%s\x00%#v", w.Name, impl.Requirements)
	if v, ok := l.compat.Get(key); ok {
		return v.(bool)
	}
	ok := w.Resources.CanHost(impl.Requirements)
	l.compat.Add(key, ok)
	return ok
}

func (l *loop) start(a *Action, c candidate) {
	ctx, cancel := context.WithCancel(l.ctx)
	a.cancel = cancel
	a.mutate(func(a *Action) {
		a.state = ActionRunning
		a.Worker = c.worker.Name
		a.Host = c.worker.Host
		a.Impl = c.impl
	})
	l.Stats.SetAction(a)
	l.Stats.SetWorker(c.worker)
	a.Log.Debugf("running on %s with %s (score %s)", c.worker, c.impl, c.score)
	l.nrunning++
	go l.run(ctx, a)
}

func (l *loop) run(ctx context.Context, a *Action) {
	a.runErr = l.Invoker.Invoke(ctx, a)
	l.returnc <- a
}

// release returns a's resources to its worker and re-enters the
// actions that were waiting for them.
func (l *loop) release(a *Action) {
	w := a.worker
	w.release(a)
	a.worker = nil
	a.cancel()
	l.Stats.SetWorker(w)
	for _, b := range releaseResourceSuccessors(a) {
		l.reselect(b)
	}
}

func (l *loop) returned(a *Action) {
	w := a.worker
	l.release(a)
	err := a.runErr
	a.runErr = nil
	switch {
	case a.cancelRequested:
		l.finish(a, ActionCancelled, a.cancelErr)
	case err == nil:
		l.finish(a, ActionCompleted, nil)
	default:
		a.errors++
		max := l.maxErrors(a)
		if a.errors < max && errors.Restartable(err) {
			a.Log.Errorf("attempt %d on %s failed: %v; retrying", a.errors, w, err)
			a.excluded[w.Name] = true
			metrics.GetActionsRetriedCountCounter(l.ctx).Inc()
			a.mutate(func(a *Action) { a.attempt++ })
			l.ready(a)
			return
		}
		if a.errors >= max {
			err = errors.E("run", a.String(), errors.TooManyTries, err)
		}
		l.finish(a, ActionFailed, err)
	}
}

func (l *loop) cancel(a *Action, err error) {
	if a.terminal() {
		return
	}
	if a.state == ActionRunning {
		if !a.cancelRequested {
			a.cancelRequested = true
			a.cancelErr = err
			a.cancel()
		}
		return
	}
	l.finish(a, ActionCancelled, err)
}

// finish moves a to the terminal state with the provided error and
// propagates the outcome to its successors. Finishing an action
// that is already terminal has no effect.
func (l *loop) finish(a *Action, state ActionState, err error) {
	if a.terminal() {
		return
	}
	delete(l.live, a)
	for pred := range a.dataPreds {
		delete(pred.dataSuccs, a)
	}
	if w := a.blockedOn; w != nil {
		w.unblock(a)
		l.Stats.SetWorker(w)
	}
	if a.index >= 0 {
		heap.Remove(&l.todo, a.index)
	}
	newly := unscheduleAction(a)
	a.mutate(func(a *Action) {
		a.state = state
		a.Err = err
	})
	l.Stats.SetAction(a)
	switch state {
	case ActionCompleted:
		metrics.GetActionsCompletedCountCounter(l.ctx).Inc()
		a.Log.Debugf("completed")
	case ActionFailed:
		metrics.GetActionsFailedCountCounter(l.ctx).Inc()
		a.Log.Errorf("failed: %v", err)
	case ActionCancelled:
		metrics.GetActionsCancelledCountCounter(l.ctx).Inc()
		a.Log.Debugf("cancelled: %v", err)
	}
	succs := dataSuccessors(a)
	a.dataSuccs = make(map[*Action]bool)
	for _, succ := range succs {
		delete(succ.dataPreds, a)
		if state != ActionCompleted {
			l.finish(succ, ActionCancelled, errors.E("schedule", succ.String(), errors.Canceled,
				errors.Errorf("%s %s", a, state)))
			continue
		}
		if len(succ.dataPreds) == 0 && succ.state == ActionCreated {
			l.ready(succ)
		}
	}
	for _, b := range newly {
		l.reselect(b)
	}
}
