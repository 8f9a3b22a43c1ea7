// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package location_test

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"testing"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/test/testutil"
	"github.com/grailbio/testutil/expect"
)

func newResolver() (*location.Resolver, *testutil.InmemoryStorage) {
	disks := location.NewSharedDisks()
	disks.Add("gpfs", "hostA", "/gpfs/")
	disks.Add("gpfs", "hostB", "/mnt/gpfs")
	disks.Add("scratch", "hostA", "/gpfs/scratch")
	disks.Add("root", "hostC", "/")
	st := testutil.NewInmemoryStorage()
	return &location.Resolver{Disks: disks, Storage: st}, st
}

func TestResolve(t *testing.T) {
	r, _ := newResolver()
	for _, tc := range []struct {
		host, path string
		want       location.Location
	}{
		{"hostA", "/gpfs/data/d0", location.Shared{Disk: "gpfs", Path: "data/d0"}},
		{"hostA", "/gpfs/scratch/d0", location.Shared{Disk: "scratch", Path: "d0"}},
		{"hostA", "/gpfsx/d0", location.Private{Host: "hostA", Path: "/gpfsx/d0"}},
		{"hostA", "/tmp/d0", location.Private{Host: "hostA", Path: "/tmp/d0"}},
		{"hostB", "/mnt/gpfs/data/d0", location.Shared{Disk: "gpfs", Path: "data/d0"}},
		{"hostB", "/gpfs/data/d0", location.Private{Host: "hostB", Path: "/gpfs/data/d0"}},
		{"hostC", "/any/where", location.Shared{Disk: "root", Path: "any/where"}},
		{"hostD", "/gpfs/data/d0", location.Private{Host: "hostD", Path: "/gpfs/data/d0"}},
	} {
		if got, want := r.Resolve(tc.host, tc.path), tc.want; !location.IsTarget(got, want) {
			t.Errorf("Resolve(%s, %s): got %v, want %v", tc.host, tc.path, got, want)
		}
	}
}

// TestResolveReconstructs checks that a shared location, recombined
// with the disk's mountpoint on the resolving host, yields the
// original path.
func TestResolveReconstructs(t *testing.T) {
	r, _ := newResolver()
	for _, host := range []string{"hostA", "hostB", "hostC"} {
		for disk, mp := range r.Disks.Mounts(host) {
			for _, suffix := range []string{"", "/x", "/x/y/z.txt"} {
				path := mp + suffix
				if mp == "" && suffix == "" {
					continue
				}
				loc := r.Resolve(host, path)
				shared, ok := loc.(location.Shared)
				if !ok {
					t.Errorf("Resolve(%s, %s): got %v, want shared location", host, path, loc)
					continue
				}
				m, _ := r.Disks.Mountpoint(shared.Disk, host)
				if got, want := shared.PathIn(m), path; got != want {
					t.Errorf("disk %s: got %v, want %v", disk, got, want)
				}
			}
		}
	}
}

func TestIsTargetAndKey(t *testing.T) {
	locs := []location.Location{
		location.Private{Host: "hostA", Path: "/tmp/d0"},
		location.Private{Host: "hostB", Path: "/tmp/d0"},
		location.Private{Host: "hostA", Path: "tmp/d0"},
		location.Shared{Disk: "hostA", Path: "tmp/d0"},
		location.Shared{Disk: "gpfs", Path: "tmp/d0"},
		location.Persistent{ID: "tmp/d0"},
	}
	keys := make(map[string]bool)
	for i, a := range locs {
		keys[a.Key()] = true
		for j, b := range locs {
			if got, want := location.IsTarget(a, b), i == j; got != want {
				t.Errorf("IsTarget(%v, %v): got %v, want %v", a, b, got, want)
			}
		}
	}
	if got, want := len(keys), len(locs); got != want {
		t.Errorf("got %v distinct keys, want %v", got, want)
	}
	if location.IsTarget(nil, locs[0]) {
		t.Error("nil is not a target")
	}
}

func TestCompare(t *testing.T) {
	locs := []location.Location{
		location.Persistent{ID: "a"},
		location.Shared{Disk: "gpfs", Path: "b"},
		location.Private{Host: "hostB", Path: "/a"},
		location.Shared{Disk: "gpfs", Path: "a"},
		location.Private{Host: "hostA", Path: "/z"},
	}
	sort.Slice(locs, func(i, j int) bool { return location.Compare(locs[i], locs[j]) < 0 })
	want := []location.Location{
		location.Private{Host: "hostA", Path: "/z"},
		location.Private{Host: "hostB", Path: "/a"},
		location.Shared{Disk: "gpfs", Path: "a"},
		location.Shared{Disk: "gpfs", Path: "b"},
		location.Persistent{ID: "a"},
	}
	if !reflect.DeepEqual(locs, want) {
		t.Errorf("got %v, want %v", locs, want)
	}
}

func TestURIInHost(t *testing.T) {
	r, st := newResolver()
	ctx := context.Background()
	st.Put("psco1", "hostA", "hostC")

	for _, tc := range []struct {
		loc  location.Location
		host string
		want *location.URI
	}{
		{location.Private{Host: "hostA", Path: "/tmp/d0"}, "hostA", &location.URI{Scheme: "file", Host: "hostA", Path: "/tmp/d0"}},
		{location.Private{Host: "hostA", Path: "/tmp/d0"}, "hostB", nil},
		{location.Shared{Disk: "gpfs", Path: "d0"}, "hostB", &location.URI{Scheme: "file", Host: "hostB", Path: "/mnt/gpfs/d0"}},
		{location.Shared{Disk: "gpfs", Path: "d0"}, "hostC", nil},
		{location.Persistent{ID: "psco1"}, "hostC", &location.URI{Scheme: "storage", Host: "hostC", Path: "psco1"}},
		{location.Persistent{ID: "psco1"}, "hostB", nil},
	} {
		got, err := r.URIInHost(ctx, tc.loc, tc.host)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("URIInHost(%v, %s): got %v, want %v", tc.loc, tc.host, got, tc.want)
		}
	}

	st.Err = fmt.Errorf("backend unreachable")
	_, err := r.URIInHost(ctx, location.Persistent{ID: "psco1"}, "hostA")
	if !errors.Is(errors.Unlocatable, err) {
		t.Errorf("got %v, want unlocatable", err)
	}
	if errors.Is(errors.NotExist, err) {
		t.Error("backend failure must not be reported as missing data")
	}
}

func TestURIs(t *testing.T) {
	r, _ := newResolver()
	uris, err := r.URIs(context.Background(), location.Shared{Disk: "gpfs", Path: "x"})
	expect.NoError(t, err)
	expect.EQ(t, uris, []location.URI{
		{Scheme: "file", Host: "hostA", Path: "/gpfs/x"},
		{Scheme: "file", Host: "hostB", Path: "/mnt/gpfs/x"},
	})
}

func TestEncoding(t *testing.T) {
	set := location.Set{
		location.Private{Host: "hostA", Path: "/tmp/d0"},
		location.Shared{Disk: "gpfs", Path: "d0"},
		location.Persistent{ID: "psco1"},
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	var decoded location.Set
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(set, decoded) {
		t.Errorf("got %v, want %v", decoded, set)
	}
	if _, err := location.Unmarshal([]byte(`{"v":1,"type":"remote"}`)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := location.Unmarshal([]byte(`{"v":2,"type":"private"}`)); !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want not supported", err)
	}
}

func TestSharedDisksRemoveHost(t *testing.T) {
	r, _ := newResolver()
	expect.EQ(t, r.Disks.RemoveHost("hostA"), []string{"gpfs", "scratch"})
	expect.EQ(t, r.Disks.Hosts("gpfs"), []string{"hostB"})
	expect.EQ(t, r.Disks.Hosts("scratch"), []string{})
}
