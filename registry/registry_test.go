// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package registry_test

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/registry"
	"github.com/grailbio/locus/test/testutil"
)

type testCopy string

func (c testCopy) ID() string { return string(c) }

func newRegistry() (*registry.Registry, *testutil.InmemoryStorage) {
	disks := location.NewSharedDisks()
	disks.Add("gpfs", "hostA", "/gpfs")
	disks.Add("gpfs", "hostB", "/gpfs")
	st := testutil.NewInmemoryStorage()
	return registry.New(&location.Resolver{Disks: disks, Storage: st}, nil), st
}

func names(data []*registry.LogicalData) []string {
	var n []string
	for _, d := range data {
		n = append(n, d.Name())
	}
	return n
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()
	r.Register("d0")
	a := location.Private{Host: "hostA", Path: "/tmp/d0"}
	if err := r.AddLocationAndValue("d0", a, 42); err != nil {
		t.Fatal(err)
	}
	u, err := r.AlreadyAvailable(ctx, "d0", "hostB")
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Fatalf("got %v, want nil", u)
	}
	b := location.Private{Host: "hostB", Path: "/tmp/d0"}
	c := testCopy("copy1")
	if err := r.StartCopy("d0", c, b); err != nil {
		t.Fatal(err)
	}
	if got, want := r.AlreadyCopying("d0", location.Private{Host: "hostB", Path: "/tmp/d0"}), registry.Copy(c); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	target, err := r.FinishedCopy("d0", c)
	if err != nil {
		t.Fatal(err)
	}
	if !location.IsTarget(target, b) {
		t.Errorf("got %v, want %v", target, b)
	}
	if err := r.AddLocation("d0", target); err != nil {
		t.Fatal(err)
	}
	u, err = r.AlreadyAvailable(ctx, "d0", "hostB")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Host != "hostB" || u.Path != "/tmp/d0" {
		t.Errorf("got %v, want file://hostB/tmp/d0", u)
	}
	d, _ := r.Get("d0")
	if got, want := len(d.Copies()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if v, ok := d.Value(); !ok || v != 42 {
		t.Errorf("got %v, want 42", v)
	}
}

func TestRegister(t *testing.T) {
	r, _ := newRegistry()
	d1 := r.Register("d1v1")
	d2 := r.Register("d1v1")
	if d1 != d2 {
		t.Error("register is not idempotent")
	}
	if _, err := r.Get("d9v9"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	if err := r.AddLocation("d9v9", location.Persistent{ID: "x"}); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestCopyDeduplication(t *testing.T) {
	r, _ := newRegistry()
	r.Register("d0")
	target := location.Private{Host: "hostB", Path: "/tmp/d0"}
	const N = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		seen    = make(map[registry.Copy]bool)
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, ok, err := r.StartCopyIfAbsent("d0", testCopy(fmt.Sprint("copy", i)), target)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				started++
			}
			seen[c] = true
		}(i)
	}
	wg.Wait()
	if got, want := started, 1; got != want {
		t.Errorf("got %v copies started, want %v", got, want)
	}
	if got, want := len(seen), 1; got != want {
		t.Errorf("got %v distinct copies, want %v", got, want)
	}
	inProgress := r.AlreadyCopying("d0", target)
	if !seen[inProgress] {
		t.Errorf("copy %v was not returned to callers", inProgress)
	}
	if err := r.StartCopy("d0", testCopy("late"), target); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}
	// A copy to a different target is independent.
	if err := r.StartCopy("d0", testCopy("other"), location.Private{Host: "hostC", Path: "/tmp/d0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FinishedCopy("d0", inProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FinishedCopy("d0", inProgress); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	if c := r.AlreadyCopying("d0", target); c != nil {
		t.Errorf("got %v, want nil", c)
	}
}

func TestStartCopyToExistingLocation(t *testing.T) {
	r, _ := newRegistry()
	r.Register("d0")
	target := location.Private{Host: "hostB", Path: "/tmp/d0"}
	c, ok, err := r.StartCopyIfAbsent("d0", testCopy("first"), target)
	if err != nil || !ok {
		t.Fatalf("got %v, %v, want started", ok, err)
	}
	// The finished copy's location is recorded before the copy is
	// retired; a fetcher arriving in between must not start another.
	if err := r.AddLocation("d0", target); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.StartCopyIfAbsent("d0", testCopy("second"), target); ok {
		t.Error("second copy started while the first was finishing")
	}
	if _, err := r.FinishedCopy("d0", c); err != nil {
		t.Fatal(err)
	}
	existing, ok, err := r.StartCopyIfAbsent("d0", testCopy("third"), target)
	if err != nil {
		t.Fatal(err)
	}
	if ok || existing != nil {
		t.Errorf("got %v, %v, want no copy for an existing location", existing, ok)
	}
	if c := r.AlreadyCopying("d0", target); c != nil {
		t.Errorf("got %v, want nil", c)
	}
}

func TestEvictionExclusivity(t *testing.T) {
	r, _ := newRegistry()
	r.Register("d0")
	loc := location.Private{Host: "hostA", Path: "/tmp/d0"}
	if err := r.AddLocation("d0", loc); err != nil {
		t.Fatal(err)
	}
	const N = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		saves []location.Location
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			save, err := r.RemoveHostAndCheckLocationToSave("d0", "hostA", nil)
			if err != nil {
				t.Error(err)
				return
			}
			if save != nil {
				mu.Lock()
				saves = append(saves, save)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if got, want := len(saves), 1; got != want {
		t.Fatalf("got %v save obligations, want %v", got, want)
	}
	if !location.IsTarget(saves[0], loc) {
		t.Errorf("got %v, want %v", saves[0], loc)
	}
	d, _ := r.Get("d0")
	if !d.IsBeingSaved() {
		t.Error("expected datum to be being saved")
	}
	if save, _ := r.RemoveHostAndCheckLocationToSave("d0", "hostA", nil); save != nil {
		t.Errorf("got %v, want nil while save is pending", save)
	}
	saved := location.Private{Host: "hostM", Path: "/backup/d0"}
	if err := r.AddLocation("d0", saved); err != nil {
		t.Fatal(err)
	}
	if d.IsBeingSaved() {
		t.Error("adding a location should clear the save marker")
	}
	if got := names(r.AllDataFromHost("hostA")); len(got) != 0 {
		t.Errorf("got %v, want no data on hostA", got)
	}
}

func TestEvictionWithOtherCopies(t *testing.T) {
	r, _ := newRegistry()
	r.Register("d0")
	r.AddLocation("d0", location.Private{Host: "hostA", Path: "/tmp/d0"})
	r.AddLocation("d0", location.Private{Host: "hostB", Path: "/tmp/d0"})
	save, err := r.RemoveHostAndCheckLocationToSave("d0", "hostA", nil)
	if err != nil {
		t.Fatal(err)
	}
	if save != nil {
		t.Errorf("got %v, want nil", save)
	}
	d, _ := r.Get("d0")
	if got, want := d.Locations(), []location.Location{location.Private{Host: "hostB", Path: "/tmp/d0"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEvictionSharedDisk(t *testing.T) {
	r, _ := newRegistry()
	r.Register("d0")
	r.AddLocation("d0", location.Shared{Disk: "gpfs", Path: "data/d0"})
	disks := r.Resolver.Disks

	mountsA := disks.Mounts("hostA")
	disks.RemoveHost("hostA")
	save, err := r.RemoveHostAndCheckLocationToSave("d0", "hostA", mountsA)
	if err != nil {
		t.Fatal(err)
	}
	if save != nil {
		t.Fatalf("got %v, want nil: hostB still mounts the disk", save)
	}

	mountsB := disks.Mounts("hostB")
	disks.RemoveHost("hostB")
	save, err = r.RemoveHostAndCheckLocationToSave("d0", "hostB", mountsB)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := save, location.Location(location.Private{Host: "hostB", Path: "/gpfs/data/d0"}); !location.IsTarget(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAllDataFromHost(t *testing.T) {
	r, _ := newRegistry()
	for _, name := range []string{"d0", "d1", "d2", "d3"} {
		r.Register(name)
	}
	r.AddLocation("d0", location.Private{Host: "hostA", Path: "/tmp/d0"})
	r.AddLocation("d1", location.Shared{Disk: "gpfs", Path: "d1"})
	r.AddLocation("d2", location.Private{Host: "hostB", Path: "/tmp/d2"})
	r.AddLocation("d3", location.Persistent{ID: "psco3"})

	if got, want := names(r.AllDataFromHost("hostA")), []string{"d0", "d1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := names(r.AllDataFromHost("hostB")), []string{"d1", "d2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	r.RemoveLocation("d0", location.Private{Host: "hostA", Path: "/tmp/d0"})
	if got, want := names(r.AllDataFromHost("hostA")), []string{"d1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	d3, _ := r.Get("d3")
	if got, want := d3.PersistentID(), "psco3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAllDataFromHostConcurrent(t *testing.T) {
	r, _ := newRegistry()
	const N = 64
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		name := fmt.Sprintf("d%d", i)
		r.Register(name)
		wg.Add(2)
		go func() {
			defer wg.Done()
			loc := location.Private{Host: "hostA", Path: "/tmp/" + name}
			r.AddLocation(name, loc)
			r.RemoveLocation(name, loc)
			r.AddLocation(name, loc)
		}()
		go func() {
			defer wg.Done()
			for _, d := range r.AllDataFromHost("hostA") {
				d.Locations()
			}
		}()
	}
	wg.Wait()
	if got, want := len(r.AllDataFromHost("hostA")), N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRemoveMarksObsolete(t *testing.T) {
	r, _ := newRegistry()
	var (
		mu       sync.Mutex
		notified []string
	)
	r.Obsolete = func(host, name string) {
		mu.Lock()
		notified = append(notified, host+":"+name)
		mu.Unlock()
	}
	r.Register("d0")
	r.AddLocation("d0", location.Private{Host: "hostC", Path: "/tmp/d0"})
	r.AddLocation("d0", location.Shared{Disk: "gpfs", Path: "d0"})
	d, err := r.Remove("d0")
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsRemoved() {
		t.Error("expected datum to be removed")
	}
	for _, host := range []string{"hostA", "hostB", "hostC"} {
		if got, want := r.Obsoletes(host), []string{"d0"}; !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", host, got, want)
		}
		if got := r.Obsoletes(host); len(got) != 0 {
			t.Errorf("%s: obsoletes not drained: %v", host, got)
		}
	}
	if got, want := len(notified), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := names(r.AllDataFromHost("hostA")); len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
	if _, err := r.Remove("d0"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestAlreadyAvailablePersistent(t *testing.T) {
	ctx := context.Background()
	r, st := newRegistry()
	r.Register("d0")
	r.AddLocation("d0", location.Persistent{ID: "psco0"})
	st.Put("psco0", "hostB")
	u, err := r.AlreadyAvailable(ctx, "d0", "hostB")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Scheme != "storage" {
		t.Errorf("got %v, want storage uri", u)
	}
	st.Err = errors.New("connection refused")
	if _, err := r.AlreadyAvailable(ctx, "d0", "hostB"); !errors.Is(errors.Unlocatable, err) {
		t.Errorf("got %v, want unlocatable", err)
	}
	if _, err := r.AlreadyAvailable(ctx, "d7", "hostB"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestWriteValue(t *testing.T) {
	r, _ := newRegistry()
	r.Register("d0")
	if _, err := r.WriteValue("d0", "hostA", "/tmp/d0", nil); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
	r.SetValue("d0", "hello")
	var written string
	loc, err := r.WriteValue("d0", "hostA", "/gpfs/d0", func(v interface{}, path string) error {
		written = fmt.Sprint(v) + "@" + path
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := written, "hello@/gpfs/d0"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := loc, location.Location(location.Shared{Disk: "gpfs", Path: "d0"}); !location.IsTarget(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	d, _ := r.Get("d0")
	if !d.OnFile() {
		t.Error("expected datum on file")
	}
	r.RemoveValue("d0")
	if _, ok := d.Value(); ok {
		t.Error("expected value to be removed")
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"type":"shared"`) {
		t.Errorf("unexpected encoding %s", b)
	}
}
