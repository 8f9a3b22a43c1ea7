// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package locus_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
)

func worker() locus.ResourceDescription {
	return locus.ResourceDescription{
		Processors: []locus.Processor{
			{Name: "main", Type: locus.CPU, Units: 8, Architecture: "amd64", Speed: 2.4},
			{Name: "tesla", Type: locus.GPU, Units: 2},
		},
		MemorySize:  16 * data.GiB,
		StorageSize: 100 * data.GiB,
		OS:          locus.OS{Type: "Linux"},
		Software:    []string{"java", "python"},
		Queues:      []string{"debug", "sequential"},
	}
}

func cpus(n int) locus.ResourceDescription {
	return locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.CPU, Units: n}}}
}

func TestCanHost(t *testing.T) {
	w := worker()
	for _, tc := range []struct {
		req  locus.ResourceDescription
		want bool
	}{
		{locus.ResourceDescription{}, true},
		{cpus(8), true},
		{cpus(9), false},
		{locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.GPU, Units: 2}}}, true},
		{locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.FPGA, Units: 1}}}, false},
		{locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.CPU, Units: 1, Architecture: "arm64"}}}, false},
		// Unspecified architecture on either side is a wildcard.
		{locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.GPU, Units: 1, Architecture: "sm70"}}}, true},
		{locus.ResourceDescription{Processors: []locus.Processor{{Type: locus.CPU, Units: 1, Speed: 3.0}}}, false},
		{locus.ResourceDescription{MemorySize: 32 * data.GiB}, false},
		{locus.ResourceDescription{Software: []string{"java"}}, true},
		{locus.ResourceDescription{Software: []string{"java", "R"}}, false},
		{locus.ResourceDescription{Queues: []string{"debug"}}, true},
		{locus.ResourceDescription{OS: locus.OS{Type: "Windows"}}, false},
		{locus.ResourceDescription{OS: locus.OS{Distribution: "Ubuntu"}}, true},
		{locus.ResourceDescription{WallClockLimit: time.Hour}, true},
	} {
		if got, want := w.CanHost(tc.req), tc.want; got != want {
			t.Errorf("CanHost(%v): got %v, want %v", tc.req, got, want)
		}
	}
	var unassigned locus.ResourceDescription
	unassigned.MemorySize = locus.Unassigned
	unassigned.Processors = []locus.Processor{{Type: locus.CPU, Units: 1}}
	if !unassigned.CanHost(locus.ResourceDescription{MemorySize: data.TiB}) {
		t.Error("unassigned memory should match any requirement")
	}
}

func TestReduceIncreaseDynamic(t *testing.T) {
	w := worker()
	req := cpus(3)
	req.MemorySize = 4 * data.GiB
	reduced, err := w.ReduceDynamic(req)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := w.Units(locus.CPU), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.MemorySize, 12*data.GiB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := reduced.Processors[0].Name, "main"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := w.ReduceDynamic(cpus(6)); !errors.Is(errors.ResourcesExhausted, err) {
		t.Errorf("got %v, want resources exhausted", err)
	}
	// A failed reduction leaves the description untouched.
	if got, want := w.Units(locus.CPU), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	w.IncreaseDynamic(reduced)
	if got, want := w, worker(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReduceNeverNegative(t *testing.T) {
	w := cpus(4)
	w.MemorySize = data.GiB
	req := cpus(2)
	req.MemorySize = 2 * data.GiB
	if w.HasAvailable(req) {
		t.Fatal("expected insufficient memory")
	}
	if _, err := w.ReduceDynamic(req); err == nil {
		t.Fatal("expected error")
	}
	if got, want := w.MemorySize, data.GiB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := w.Reduce(cpus(5)); err == nil {
		t.Error("expected error")
	}
	if got, want := w.Units(locus.CPU), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIncreaseReduce(t *testing.T) {
	var pool locus.ResourceDescription
	a := worker()
	b := cpus(4)
	b.Processors[0].Name = "extra"
	b.Software = []string{"R"}
	pool.Increase(a)
	pool.Increase(b)
	if got, want := pool.Units(locus.CPU), 12; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := pool.Software, []string{"R", "java", "python"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := pool.Reduce(b); err != nil {
		t.Fatal(err)
	}
	if got, want := pool.Units(locus.CPU), 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := pool.Software, []string{"java", "python"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDynamicCommons(t *testing.T) {
	w := worker()
	other := cpus(12)
	other.Processors = append(other.Processors, locus.Processor{Type: locus.FPGA, Units: 1})
	other.MemorySize = 8 * data.GiB
	common := w.DynamicCommons(other)
	if got, want := common.Units(locus.CPU), 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := common.Units(locus.FPGA), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := common.MemorySize, 8*data.GiB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCopy(t *testing.T) {
	w := worker()
	c := w.Copy()
	c.Processors[0].Units = 1
	c.Software[0] = "go"
	if got, want := w.Processors[0].Units, 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.Software[0], "java"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSimultaneous(t *testing.T) {
	w := worker()
	req := cpus(3)
	if got, want := w.Simultaneous(req), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	req.MemorySize = 8 * data.GiB
	req.Processors[0].Units = 1
	if got, want := w.Simultaneous(req), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.Simultaneous(locus.ResourceDescription{}), -1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResourceString(t *testing.T) {
	r := cpus(2)
	r.MemorySize = 2 * data.GiB
	if got, want := r.String(), "{cpu:2 mem:"+(2*data.GiB).String()+"}"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
