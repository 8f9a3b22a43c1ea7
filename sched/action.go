// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/locus"
	"github.com/grailbio/locus/log"
)

// ActionState enumerates the possible states of an action.
type ActionState int

const (
	// ActionCreated is the initial state of an action: it waits for
	// its data predecessors to complete.
	ActionCreated ActionState = iota
	// ActionReady indicates that the action's data dependencies are
	// resolved and it is waiting to be placed on a worker.
	ActionReady
	// ActionRunning indicates that resources are reserved on a worker
	// and the action is executing.
	ActionRunning
	// ActionCompleted indicates that the action ran successfully.
	ActionCompleted
	// ActionFailed indicates that the action failed permanently.
	ActionFailed
	// ActionCancelled indicates that the action was cancelled, either
	// explicitly or because a data predecessor did not complete.
	ActionCancelled
)

func (s ActionState) String() string {
	switch s {
	case ActionCreated:
		return "created"
	case ActionReady:
		return "ready"
	case ActionRunning:
		return "running"
	case ActionCompleted:
		return "completed"
	case ActionFailed:
		return "failed"
	case ActionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal tells whether no further transitions leave state s.
func (s ActionState) Terminal() bool {
	return s >= ActionCompleted
}

// Action is a schedulable attempt to run a task. Actions are
// submitted to a scheduler, which places them on workers. After
// submission, all coordination is performed through the action.
type Action struct {
	// ID is a caller-assigned identifier for the action.
	ID int
	// Task describes the task: its implementations and parameters.
	Task locus.TaskDescriptor
	// Reads lists the renamings read by the action. The scheduler
	// prefers workers whose host already holds them.
	Reads []string
	// Writes lists the renamings produced by the action.
	Writes []string
	// Log receives status log messages during scheduling and
	// execution.
	Log *log.Logger

	// Err stores the reason for which the action failed or was
	// cancelled. It is set once the action reaches a terminal state.
	Err error
	// Worker is the name of the worker the action runs on.
	Worker string
	// Host is the host of that worker.
	Host string
	// Impl is the implementation chosen to run the action.
	Impl locus.Implementation

	mu   sync.Mutex
	cond *ctxsync.Cond

	state   ActionState
	attempt int
	after   []*Action

	// The following are owned by the scheduler's loop.
	dataPreds, dataSuccs map[*Action]bool
	resPreds, resSuccs   map[*Action]bool
	worker               *Worker
	blockedOn            *Worker
	reserved             locus.ResourceDescription
	excluded             map[string]bool
	errors               int
	cancel               context.CancelFunc
	cancelRequested      bool
	cancelErr            error
	runErr               error
	seq                  int
	index                int
}

// NewAction returns a new, initialized action for the given task.
// The action runs only after every action in after has completed;
// if any of them fails or is cancelled, so is this action.
func NewAction(id int, task locus.TaskDescriptor, after ...*Action) *Action {
	a := &Action{
		ID:        id,
		Task:      task,
		after:     append([]*Action(nil), after...),
		dataPreds: make(map[*Action]bool),
		dataSuccs: make(map[*Action]bool),
		resPreds:  make(map[*Action]bool),
		resSuccs:  make(map[*Action]bool),
		excluded:  make(map[string]bool),
		index:     -1,
	}
	a.cond = ctxsync.NewCond(&a.mu)
	return a
}

// String returns a short description of the action.
func (a *Action) String() string {
	return fmt.Sprintf("action %d %s", a.ID, a.Task.Name)
}

// State returns the action's current state.
func (a *Action) State() ActionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Attempt returns the action's current attempt index (zero-based).
func (a *Action) Attempt() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempt
}

// Wait returns after the action's state is at least the provided
// state. Wait returns an error if the context was canceled while
// waiting.
func (a *Action) Wait(ctx context.Context, state ActionState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	for a.state < state && err == nil {
		err = a.cond.Wait(ctx)
	}
	return err
}

// Done waits for the action to reach a terminal state and returns
// its error.
func (a *Action) Done(ctx context.Context) error {
	if err := a.Wait(ctx, ActionCompleted); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Err
}

// terminal tells whether the action has reached a terminal state.
// It is only called by the scheduler's loop, which is the only
// writer of the state.
func (a *Action) terminal() bool {
	return a.state.Terminal()
}

// mutate mutates the action using the given mutator function and
// wakes up waiters.
func (a *Action) mutate(mutator func(a *Action)) {
	a.mu.Lock()
	mutator(a)
	a.cond.Broadcast()
	a.mu.Unlock()
}

// actionq is a priority queue of ready actions: priority actions
// first, then in submission order.
type actionq []*Action

func (q actionq) Len() int { return len(q) }

func (q actionq) Less(i, j int) bool {
	if q[i].Task.Priority != q[j].Task.Priority {
		return q[i].Task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q actionq) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

// Push implements heap.Interface.
func (q *actionq) Push(x interface{}) {
	a := x.(*Action)
	a.index = len(*q)
	*q = append(*q, a)
}

// Pop implements heap.Interface.
func (q *actionq) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[0 : n-1]
	x.index = -1
	return x
}
