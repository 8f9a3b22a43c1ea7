// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testutil provides test doubles for the transport, storage,
// invoker and executor interfaces of locus.
package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
)

// Transport is an in-memory transport for testing. Copies and
// deletions succeed immediately and are recorded.
type Transport struct {
	mu      sync.Mutex
	copies  []Transfer
	deleted map[string][]string
	// DeleteErr, if set, is returned by every Delete.
	DeleteErr error
}

// Transfer is a recorded copy.
type Transfer struct {
	Src, Dst location.URI
}

// Copy implements transfer.Transport.
func (t *Transport) Copy(ctx context.Context, src, dst location.URI) error {
	t.mu.Lock()
	t.copies = append(t.copies, Transfer{src, dst})
	t.mu.Unlock()
	return nil
}

// Delete implements transfer.Transport.
func (t *Transport) Delete(ctx context.Context, host string, names ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DeleteErr != nil {
		return t.DeleteErr
	}
	if t.deleted == nil {
		t.deleted = make(map[string][]string)
	}
	t.deleted[host] = append(t.deleted[host], names...)
	sort.Strings(t.deleted[host])
	return nil
}

// Copies returns the copies performed so far.
func (t *Transport) Copies() []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transfer(nil), t.copies...)
}

// Deleted returns the renamings deleted from host, sorted.
func (t *Transport) Deleted(host string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.deleted[host]...)
}

// WaitTransport is a transport for testing. It lets the test code
// rendezvous with the caller of Copy. In this way, WaitTransport
// provides both a mock transport and concurrency control for the
// tester.
type WaitTransport struct {
	Transport

	mu      sync.Mutex
	pending map[location.URI]chan error
	calls   map[location.URI]int
}

func (t *WaitTransport) copy(dst location.URI) chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[location.URI]chan error)
	}
	if t.pending[dst] == nil {
		t.pending[dst] = make(chan error)
	}
	return t.pending[dst]
}

// Ok rendezvous the copy to dst with success.
func (t *WaitTransport) Ok(dst location.URI) {
	t.copy(dst) <- nil
}

// Err rendezvous the copy to dst with failure.
func (t *WaitTransport) Err(dst location.URI, err error) {
	t.copy(dst) <- err
}

// Calls returns the number of copies to dst that were started.
func (t *WaitTransport) Calls(dst location.URI) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[dst]
}

// Copy waits for the tester to rendezvous, returning its result.
func (t *WaitTransport) Copy(ctx context.Context, src, dst location.URI) error {
	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[location.URI]int)
	}
	t.calls[dst]++
	t.mu.Unlock()
	select {
	case err := <-t.copy(dst):
		if err != nil {
			return err
		}
		return t.Transport.Copy(ctx, src, dst)
	case <-ctx.Done():
		return errors.E("copy", dst.String(), ctx.Err())
	}
}
