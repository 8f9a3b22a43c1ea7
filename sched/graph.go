// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import "sort"

// Actions are linked by two kinds of edges. Data edges order a
// producer before the consumers of the data it writes; they are
// fixed at submission. Resource edges queue an action behind the
// actions whose release it waits for on a worker. An action is
// executable when it has no resource predecessors.

func addDataEdge(pred, succ *Action) {
	pred.dataSuccs[succ] = true
	succ.dataPreds[pred] = true
}

func addResourceEdge(pred, succ *Action) {
	if pred == succ {
		return
	}
	pred.resSuccs[succ] = true
	succ.resPreds[pred] = true
}

// executable tells whether the action waits on no other action's
// resources.
func (a *Action) executable() bool {
	return len(a.resPreds) == 0
}

// releaseResourceSuccessors detaches a, which has released its
// resources, from its resource successors and returns those that
// became executable.
func releaseResourceSuccessors(a *Action) []*Action {
	var newly []*Action
	for succ := range a.resSuccs {
		delete(succ.resPreds, a)
		if succ.executable() {
			newly = append(newly, succ)
		}
	}
	a.resSuccs = make(map[*Action]bool)
	sortActions(newly)
	return newly
}

// transitiveResourceSuccessors returns the set of actions that wait,
// directly or indirectly, on a's resources.
func transitiveResourceSuccessors(a *Action) map[*Action]bool {
	succs := make(map[*Action]bool)
	stack := []*Action{a}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for succ := range b.resSuccs {
			if !succs[succ] {
				succs[succ] = true
				stack = append(stack, succ)
			}
		}
	}
	return succs
}

// unscheduleAction removes a from the resource graph. Each successor
// of a inherits a's predecessors that are still pending, so that the
// order among the remaining actions is preserved. The successors
// left without predecessors are returned, in submission order.
func unscheduleAction(a *Action) []*Action {
	var preds []*Action
	for pred := range a.resPreds {
		delete(pred.resSuccs, a)
		if !pred.terminal() {
			preds = append(preds, pred)
		}
	}
	a.resPreds = make(map[*Action]bool)
	var newly []*Action
	for succ := range a.resSuccs {
		delete(succ.resPreds, a)
		for _, pred := range preds {
			addResourceEdge(pred, succ)
		}
		if succ.executable() {
			newly = append(newly, succ)
		}
	}
	a.resSuccs = make(map[*Action]bool)
	sortActions(newly)
	return newly
}

// dataSuccessors returns a's data successors in submission order.
func dataSuccessors(a *Action) []*Action {
	succs := make([]*Action, 0, len(a.dataSuccs))
	for succ := range a.dataSuccs {
		succs = append(succs, succ)
	}
	sortActions(succs)
	return succs
}

func sortActions(actions []*Action) {
	sort.Slice(actions, func(i, j int) bool { return actions[i].seq < actions[j].seq })
}
