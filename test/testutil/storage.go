// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/storage"
)

// InmemoryStorage is a storage.Backend that keeps object locations in
// memory. Setting Err makes every call fail with that error.
type InmemoryStorage struct {
	mu    sync.Mutex
	hosts map[string][]string
	tasks []storage.Task
	// Err, if set, is returned by every call.
	Err error
}

// NewInmemoryStorage returns a new, empty in-memory storage backend.
func NewInmemoryStorage() *InmemoryStorage {
	return &InmemoryStorage{hosts: make(map[string][]string)}
}

// Put records that object id is stored on the given hosts.
func (s *InmemoryStorage) Put(id string, hosts ...string) {
	s.mu.Lock()
	s.hosts[id] = append([]string(nil), hosts...)
	s.mu.Unlock()
}

// Locations implements storage.Backend.
func (s *InmemoryStorage) Locations(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]string(nil), s.hosts[id]...), nil
}

// ExecuteTask implements storage.Backend. The task completes
// immediately, producing an object named after the target object
// and method on the task's host.
func (s *InmemoryStorage) ExecuteTask(ctx context.Context, task storage.Task) (storage.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if _, ok := s.hosts[task.ID]; !ok {
		return nil, errors.E("executetask", task.ID, errors.NotExist)
	}
	s.tasks = append(s.tasks, task)
	result := task.ID + "." + task.Method
	s.hosts[result] = []string{task.Host}
	return execution(result), nil
}

// Tasks returns the tasks executed so far.
func (s *InmemoryStorage) Tasks() []storage.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Task(nil), s.tasks...)
}

type execution string

func (e execution) Wait(ctx context.Context) (string, error) {
	return string(e), nil
}
