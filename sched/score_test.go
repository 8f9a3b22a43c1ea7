// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"reflect"
	"testing"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
)

func TestSortCandidates(t *testing.T) {
	wa, wb := NewWorker("a", "ha", cpus(4)), NewWorker("b", "hb", cpus(4))
	impl := func(id int) locus.Implementation { return locus.Implementation{ID: id} }
	cands := []candidate{
		{wb, impl(0), Score{}},
		{wa, impl(1), Score{}},
		{wa, impl(0), Score{}},
		{wb, impl(1), Score{Resources: 1}},
		{wb, impl(2), Score{Locality: 1}},
	}
	sortCandidates(cands)
	want := []struct {
		worker string
		impl   int
	}{{"b", 2}, {"b", 1}, {"a", 0}, {"a", 1}, {"b", 0}}
	for i, c := range cands {
		if c.worker.Name != want[i].worker || c.impl.ID != want[i].impl {
			t.Errorf("candidate %d: got %v, want %v", i, c, want[i])
		}
	}
}

func TestScore(t *testing.T) {
	w := NewWorker("w", "h1", cpus(8))
	a := NewAction(1, locus.TaskDescriptor{Priority: true})
	a.Reads = []string{"d1v1", "d2v1", "d3v1"}
	locate := func(name string) []string {
		switch name {
		case "d1v1":
			return []string{"h0", "h1"}
		case "d2v1":
			return []string{"h1"}
		}
		return nil
	}
	impl := locus.Implementation{Requirements: cpus(2)}
	if got, want := score(LoadBalancing, a, w, impl, locate), (Score{1, 2, 6}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := score(Packing, a, w, impl, nil), (Score{1, 0, -6}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want Policy
	}{{"", LoadBalancing}, {"loadbalancing", LoadBalancing}, {"packing", Packing}} {
		p, err := ParsePolicy(tc.s)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := p, tc.want; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := ParsePolicy("random"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestMatchWorkers(t *testing.T) {
	workers := []*Worker{
		NewWorker("small", "h1", cpus(1)),
		NewWorker("medium", "h2", cpus(4)),
		NewWorker("large", "h3", cpus(8)),
	}
	names := func(ms []Match) []string {
		var n []string
		for _, m := range ms {
			n = append(n, m.Worker.Name)
		}
		return n
	}
	ms := MatchWorkers(LoadBalancing, cpus(2), workers)
	if got, want := names(ms), []string{"large", "medium"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ms[0].Score, (Score{Resources: 6}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	ms = MatchWorkers(Packing, cpus(2), workers)
	if got, want := names(ms), []string{"medium", "large"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if ms := MatchWorkers(Packing, cpus(16), workers); len(ms) != 0 {
		t.Errorf("expected no matches, got %v", names(ms))
	}
}
