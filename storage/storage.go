// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package storage defines the boundary to an external persistent
// object storage backend. Persistent objects are identified by an id
// and may be replicated on several hosts; the backend can also run
// tasks next to the objects it stores.
package storage

import (
	"context"
)

// Task describes a task to be executed by a storage backend on one
// of its objects.
type Task struct {
	// ID is the id of the target persistent object.
	ID string
	// Method is the name of the method to invoke on the object.
	Method string
	// Args are the (already serialized) arguments.
	Args []string
	// Host is the host on which the task should run.
	Host string
}

// Execution is a running storage-side task.
type Execution interface {
	// Wait blocks until the execution completes and returns the
	// id of the persistent object holding the result, if any.
	Wait(ctx context.Context) (string, error)
}

// A Backend is a persistent object store.
type Backend interface {
	// Locations returns the hosts on which the object with the given
	// id is stored. Errors returned by Locations are of kind
	// errors.Unlocatable: they mean that the locations could not be
	// retrieved, not that the object does not exist.
	Locations(ctx context.Context, id string) ([]string, error)

	// ExecuteTask starts task on the backend and returns its
	// execution.
	ExecuteTask(ctx context.Context, task Task) (Execution, error)
}
