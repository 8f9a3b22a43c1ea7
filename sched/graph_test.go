// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"testing"

	"github.com/grailbio/locus"
)

func newTestActions(n int) []*Action {
	actions := make([]*Action, n)
	for i := range actions {
		actions[i] = NewAction(i, locus.TaskDescriptor{Name: "t"})
		actions[i].seq = i
	}
	return actions
}

func preds(a *Action) map[int]bool {
	m := make(map[int]bool)
	for p := range a.resPreds {
		m[p.ID] = true
	}
	return m
}

func ids(actions []*Action) []int {
	var ids []int
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestUnscheduleRelinks(t *testing.T) {
	actions := newTestActions(5)
	p1, p2, a, s1, s2 := actions[0], actions[1], actions[2], actions[3], actions[4]
	addResourceEdge(p1, a)
	addResourceEdge(p2, a)
	addResourceEdge(a, s1)
	addResourceEdge(a, s2)

	if newly := unscheduleAction(a); len(newly) != 0 {
		t.Errorf("unexpected newly executable actions %v", ids(newly))
	}
	for _, s := range []*Action{s1, s2} {
		if got, want := preds(s), map[int]bool{0: true, 1: true}; len(got) != len(want) || !got[0] || !got[1] {
			t.Errorf("%v: got preds %v, want %v", s, got, want)
		}
	}
	if len(a.resPreds) != 0 || len(a.resSuccs) != 0 {
		t.Error("unscheduled action still linked")
	}
	if p1.resSuccs[a] || p2.resSuccs[a] {
		t.Error("predecessor still linked to unscheduled action")
	}
	if got := releaseResourceSuccessors(p1); len(got) != 0 {
		t.Errorf("got %v, want none", ids(got))
	}
	if got, want := ids(releaseResourceSuccessors(p2)), []int{3, 4}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnscheduleSkipsTerminalPredecessors(t *testing.T) {
	actions := newTestActions(4)
	p1, p2, a, s := actions[0], actions[1], actions[2], actions[3]
	addResourceEdge(p1, a)
	addResourceEdge(p2, a)
	addResourceEdge(a, s)
	p1.state = ActionCompleted
	p2.state = ActionCancelled
	if got := ids(unscheduleAction(a)); len(got) != 1 || got[0] != 3 {
		t.Errorf("got %v, want [3]", got)
	}
	if len(s.resPreds) != 0 {
		t.Errorf("got preds %v, want none", preds(s))
	}
}

func cpus(n int) locus.ResourceDescription {
	return locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.CPU, Units: n}}}
}

func TestWorkerBlock(t *testing.T) {
	w := NewWorker("w", "h", cpus(4))
	actions := newTestActions(4)
	h1, h2, b1, b2 := actions[0], actions[1], actions[2], actions[3]
	for _, h := range []*Action{h1, h2} {
		if !w.reserve(h, locus.Implementation{Requirements: cpus(2)}) {
			t.Fatalf("%v: failed to reserve", h)
		}
	}
	if w.reserve(b1, locus.Implementation{Requirements: cpus(1)}) {
		t.Fatal("reserved beyond capacity")
	}
	if !w.block(b1, cpus(3)) {
		t.Fatal("failed to block")
	}
	if got := preds(b1); len(got) != 2 || !got[0] || !got[1] {
		t.Errorf("got %v, want [0 1]", got)
	}
	if !w.block(b2, cpus(1)) {
		t.Fatal("failed to block")
	}
	if got := preds(b2); len(got) != 2 || !got[0] || !got[2] {
		t.Errorf("got %v, want [0 2]", got)
	}
	if w.block(NewAction(9, locus.TaskDescriptor{}), cpus(5)) {
		t.Error("blocked an action that can never fit")
	}

	w.release(h1)
	if got, want := w.free(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := ids(releaseResourceSuccessors(h1)); len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
	w.release(h2)
	if got := ids(releaseResourceSuccessors(h2)); len(got) != 1 || got[0] != 2 {
		t.Errorf("got %v, want [2]", got)
	}
	w.unblock(b1)
	if got, want := len(w.blocked), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFinishIdempotent(t *testing.T) {
	l := &loop{
		Scheduler: New(),
		ctx:       context.Background(),
		live:      make(map[*Action]bool),
	}
	task := locus.TaskDescriptor{Name: "t", Implementations: []locus.Implementation{{}}}
	a := NewAction(1, task)
	s := NewAction(2, task, a)
	l.submit(a)
	l.submit(s)
	if got, want := s.State(), ActionCreated; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := 0; i < 2; i++ {
		l.finish(a, ActionCompleted, nil)
		if got, want := len(l.todo), 1; got != want {
			t.Fatalf("delivery %d: got %v, want %v", i, got, want)
		}
		if got, want := s.State(), ActionReady; got != want {
			t.Errorf("delivery %d: got %v, want %v", i, got, want)
		}
	}
	l.finish(a, ActionFailed, nil)
	l.cancel(a, nil)
	if got, want := a.State(), ActionCompleted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.State(), ActionReady; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCascade(t *testing.T) {
	l := &loop{
		Scheduler: New(),
		ctx:       context.Background(),
		live:      make(map[*Action]bool),
	}
	task := locus.TaskDescriptor{Name: "t", Implementations: []locus.Implementation{{}}}
	a := NewAction(1, task)
	b := NewAction(2, task, a)
	c := NewAction(3, task, b)
	d := NewAction(4, task)
	for _, x := range []*Action{a, b, c, d} {
		l.submit(x)
	}
	l.cancel(a, nil)
	for _, x := range []*Action{a, b, c} {
		if got, want := x.State(), ActionCancelled; got != want {
			t.Errorf("%v: got %v, want %v", x, got, want)
		}
	}
	if got, want := d.State(), ActionReady; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(l.live), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Actions submitted after a failed predecessor are cancelled.
	e := NewAction(5, task, a)
	l.submit(e)
	if got, want := e.State(), ActionCancelled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReblockSkipsSuccessors(t *testing.T) {
	cpus := func(n int) locus.ResourceDescription {
		return locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.CPU, Units: n}}}
	}
	w := NewWorker("w", "h", cpus(4))
	actions := newTestActions(3)
	h, b, c := actions[0], actions[1], actions[2]
	if !w.reserve(h, locus.Implementation{Requirements: cpus(4)}) {
		t.Fatal("reserve failed")
	}
	if !w.block(b, cpus(3)) || !w.block(c, cpus(1)) {
		t.Fatal("block failed")
	}
	if got := preds(c); len(got) != 2 || !got[0] || !got[1] {
		t.Fatalf("got preds %v, want {0, 1}", got)
	}
	if got := transitiveResourceSuccessors(h); len(got) != 2 || !got[b] || !got[c] {
		t.Errorf("got %d successors of %v, want 2", len(got), h)
	}

	// b leaves the queue and blocks again; it must not wait on c,
	// which waits on b.
	w.unblock(b)
	if !w.block(b, cpus(3)) {
		t.Fatal("block failed")
	}
	if got := preds(b); len(got) != 1 || !got[0] {
		t.Errorf("got preds %v, want {0}", got)
	}
	if got := ids(w.blocked); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Errorf("got blocked %v, want [2 1]", got)
	}
}
