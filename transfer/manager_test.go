// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/registry"
	"github.com/grailbio/locus/test/testutil"
	"github.com/grailbio/locus/transfer"
	"github.com/grailbio/testutil/expect"
)

func newRegistry(t *testing.T, disks *location.SharedDisks) *registry.Registry {
	t.Helper()
	r := registry.New(&location.Resolver{Disks: disks}, nil)
	r.Register("d1v1")
	if err := r.AddLocation("d1v1", location.Private{Host: "h1", Path: "/data/d1v1"}); err != nil {
		t.Fatal(err)
	}
	return r
}

func waitCalls(t *testing.T, tr *testutil.WaitTransport, dst location.URI, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tr.Calls(dst) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d copies to %s", n, dst)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFetchDeduplicates(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newRegistry(t, nil)
		tr  = new(testutil.WaitTransport)
		m   = &transfer.Manager{Registry: r, Transport: tr, Copies: transfer.NewLimits(4)}
		dst = location.URI{Scheme: "file", Host: "h2", Path: "/tmp/locus/d1v1"}
	)
	const N = 16
	var (
		wg   sync.WaitGroup
		uris = make([]*location.URI, N)
		errs = make([]error, N)
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uris[i], errs[i] = m.Fetch(ctx, "d1v1", "h2")
		}(i)
	}
	waitCalls(t, tr, dst, 1)
	tr.Ok(dst)
	wg.Wait()
	for i := range uris {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		expect.EQ(t, *uris[i], dst)
	}
	expect.EQ(t, tr.Calls(dst), 1)
	expect.EQ(t, len(tr.Copies()), 1)
	expect.EQ(t, tr.Copies()[0].Src, location.URI{Scheme: "file", Host: "h1", Path: "/data/d1v1"})

	d, err := r.Get("d1v1")
	expect.NoError(t, err)
	expect.EQ(t, len(d.Copies()), 0)
	expect.EQ(t, d.Locations(), []location.Location{
		location.Private{Host: "h1", Path: "/data/d1v1"},
		location.Private{Host: "h2", Path: "/tmp/locus/d1v1"},
	})

	// Now available: no further copies.
	u, err := m.Fetch(ctx, "d1v1", "h2")
	expect.NoError(t, err)
	expect.EQ(t, *u, dst)
	expect.EQ(t, tr.Calls(dst), 1)
}

func TestFetchWhileFinishing(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newRegistry(t, nil)
		tr  = new(testutil.WaitTransport)
		m   = &transfer.Manager{Registry: r, Transport: tr}
		dst = location.URI{Scheme: "file", Host: "h2", Path: "/tmp/locus/d1v1"}
	)
	first := make(chan error, 1)
	go func() {
		_, err := m.Fetch(ctx, "d1v1", "h2")
		first <- err
	}()
	waitCalls(t, tr, dst, 1)
	// Fetchers keep arriving while the copy completes.
	const N = 64
	var wg sync.WaitGroup
	errs := make([]error, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Fetch(ctx, "d1v1", "h2")
		}(i)
	}
	tr.Ok(dst)
	expect.NoError(t, <-first)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fetchers blocked: %d copies to %s started", tr.Calls(dst), dst)
	}
	for _, err := range errs {
		expect.NoError(t, err)
	}
	expect.EQ(t, tr.Calls(dst), 1)
}

func TestFetchFailure(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newRegistry(t, nil)
		tr  = new(testutil.WaitTransport)
		m   = &transfer.Manager{Registry: r, Transport: tr}
		dst = location.URI{Scheme: "file", Host: "h2", Path: "/tmp/locus/d1v1"}
	)
	errc := make(chan error, 1)
	go func() {
		_, err := m.Fetch(ctx, "d1v1", "h2")
		errc <- err
	}()
	waitCalls(t, tr, dst, 1)
	tr.Err(dst, errors.E("copy", errors.Unavailable, errors.New("network down")))
	if err := <-errc; !errors.Is(errors.Unavailable, err) {
		t.Errorf("got %v, want unavailable", err)
	}
	d, err := r.Get("d1v1")
	expect.NoError(t, err)
	expect.EQ(t, len(d.Copies()), 0)
	expect.EQ(t, len(d.Locations()), 1)

	// A later fetch starts a new copy.
	go func() {
		_, err := m.Fetch(ctx, "d1v1", "h2")
		errc <- err
	}()
	waitCalls(t, tr, dst, 2)
	tr.Ok(dst)
	expect.NoError(t, <-errc)
}

func TestFetchSharedTarget(t *testing.T) {
	ctx := context.Background()
	disks := location.NewSharedDisks()
	disks.Add("scratch", "h2", "/tmp")
	disks.Add("scratch", "h3", "/mnt/scratch")
	r := newRegistry(t, disks)
	tr := new(testutil.Transport)
	m := &transfer.Manager{Registry: r, Transport: tr}

	u, err := m.Fetch(ctx, "d1v1", "h2")
	expect.NoError(t, err)
	expect.EQ(t, *u, location.URI{Scheme: "file", Host: "h2", Path: "/tmp/locus/d1v1"})
	u, err = m.Fetch(ctx, "d1v1", "h3")
	expect.NoError(t, err)
	expect.EQ(t, *u, location.URI{Scheme: "file", Host: "h3", Path: "/mnt/scratch/locus/d1v1"})
	expect.EQ(t, len(tr.Copies()), 1)
}

func TestFetchUnknown(t *testing.T) {
	r := registry.New(nil, nil)
	m := &transfer.Manager{Registry: r, Transport: new(testutil.Transport)}
	if _, err := m.Fetch(context.Background(), "d9v1", "h1"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	r.Register("d9v1")
	if _, err := m.Fetch(context.Background(), "d9v1", "h1"); !errors.Is(errors.Unlocatable, err) {
		t.Errorf("got %v, want unlocatable", err)
	}
}

func TestStage(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil)
	r.Register("d2v1")
	expect.NoError(t, r.AddLocation("d2v1", location.Private{Host: "h2", Path: "/data/d2v1"}))
	tr := new(testutil.Transport)
	m := &transfer.Manager{Registry: r, Transport: tr, Workdir: "/work"}
	staged, err := m.Stage(ctx, "h2", "d1v1", "d2v1")
	expect.NoError(t, err)
	expect.EQ(t, staged, map[string]location.URI{
		"d1v1": {Scheme: "file", Host: "h2", Path: "/work/d1v1"},
		"d2v1": {Scheme: "file", Host: "h2", Path: "/data/d2v1"},
	})
	expect.EQ(t, len(tr.Copies()), 1)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil)
	r.Register("d2v1")
	expect.NoError(t, r.AddLocation("d2v1", location.Private{Host: "h2", Path: "/data/d2v1"}))
	tr := new(testutil.Transport)
	m := &transfer.Manager{Registry: r, Transport: tr, DeleteRate: 1000}
	_, err := r.Remove("d1v1")
	expect.NoError(t, err)
	_, err = r.Remove("d2v1")
	expect.NoError(t, err)
	expect.NoError(t, m.Collect(ctx, "h1", "h2", "h3"))
	expect.EQ(t, tr.Deleted("h1"), []string{"d1v1"})
	expect.EQ(t, tr.Deleted("h2"), []string{"d2v1"})
	expect.EQ(t, len(tr.Deleted("h3")), 0)

	// Obsoletes are drained.
	expect.NoError(t, m.Collect(ctx, "h1"))
	expect.EQ(t, tr.Deleted("h1"), []string{"d1v1"})
}

func TestCollectErrors(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil)
	r.Register("d2v1")
	expect.NoError(t, r.AddLocation("d2v1", location.Private{Host: "h2", Path: "/data/d2v1"}))
	tr := &testutil.Transport{DeleteErr: errors.E(errors.Unavailable, errors.New("host down"))}
	m := &transfer.Manager{Registry: r, Transport: tr}
	_, err := r.Remove("d1v1")
	expect.NoError(t, err)
	_, err = r.Remove("d2v1")
	expect.NoError(t, err)
	err = m.Collect(ctx, "h1", "h2")
	if err == nil {
		t.Fatal("expected error")
	}
	expect.HasSubstr(t, err.Error(), "2 errors occurred")
}
