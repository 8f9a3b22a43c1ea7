// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/locus/location"
)

// A Copy is a physical copy of a datum to a target location. Every
// caller that requests the same datum at the same target shares a
// single Copy and observes its single outcome.
type Copy struct {
	// Name is the renaming of the datum being copied.
	Name string
	// Target is the location the datum is copied to.
	Target location.Location
	// Host is the host on which the copy was requested.
	Host string

	id string

	mu   sync.Mutex
	cond *ctxsync.Cond
	done bool
	err  error
}

func newCopy(name, host string, target location.Location) *Copy {
	c := &Copy{
		Name:   name,
		Target: target,
		Host:   host,
		id:     uuid.New().String(),
	}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// ID returns the copy's unique identifier.
func (c *Copy) ID() string {
	return c.id
}

// String returns a description of the copy.
func (c *Copy) String() string {
	return fmt.Sprintf("copy %s %s -> %s", c.id, c.Name, c.Target)
}

// Wait blocks until the copy has finished, returning its error, or
// until the context is done.
func (c *Copy) Wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for !c.done && err == nil {
		err = c.cond.Wait(ctx)
	}
	if err != nil {
		return err
	}
	return c.err
}

// Done tells whether the copy has finished.
func (c *Copy) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// finish records the outcome of the copy and wakes its waiters. Only
// the first call has an effect.
func (c *Copy) finish(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	c.err = err
	c.cond.Broadcast()
	return true
}
